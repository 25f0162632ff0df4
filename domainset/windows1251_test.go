package domainset

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/text/encoding/charmap"
)

func TestPrepareImportedDomainDecodesWindows1251(t *testing.T) {
	encoded, err := charmap.Windows1251.NewEncoder().Bytes([]byte("пример.рф"))
	assert.NoError(t, err)

	domain, err := prepareImportedDomain(encoded)
	assert.NoError(t, err)
	assert.Equal(t, "пример.рф", domain)
}

func TestPrepareImportedDomainSkipsBackslash(t *testing.T) {
	domain, err := prepareImportedDomain([]byte(`evil\domain.com`))
	assert.NoError(t, err)
	assert.Empty(t, domain)
}

func TestPrepareImportedDomainStripsTrailingDot(t *testing.T) {
	domain, err := prepareImportedDomain([]byte("example.com."))
	assert.NoError(t, err)
	assert.Equal(t, "example.com", domain)
}

func TestPrepareImportedDomainSkipsInvalidCharacters(t *testing.T) {
	domain, err := prepareImportedDomain([]byte("exa mple!.com"))
	assert.NoError(t, err)
	assert.Empty(t, domain)
}

package dnssd

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFlagsString(t *testing.T) {
	assert.Equal(t, "0", Flags(0).String())
	assert.Equal(t, "MoreComing|Add", (FlagAdd | FlagMoreComing).String())
}

func TestFlagsHas(t *testing.T) {
	f := FlagAdd | FlagDefault
	assert.True(t, f.Has(FlagAdd))
	assert.True(t, f.Has(FlagAdd|FlagDefault))
	assert.False(t, f.Has(FlagAdd|FlagMoreComing))
}

func TestCheckFlags(t *testing.T) {
	assert.NoError(t, checkFlags("register", FlagNoAutoRename, registerFlagsMask))
	err := checkFlags("register", FlagNoAutoRename|FlagBrowseDomains, registerFlagsMask)
	assert.ErrorIs(t, err, ErrBadFlags)
	assert.Contains(t, err.Error(), "BrowseDomains")
}

package dnssd

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTXTRecordEncode(t *testing.T) {
	txt := NewTXTRecord()
	require.NoError(t, txt.SetString("txtvers", "1"))
	require.NoError(t, txt.SetFlag("color"))
	require.NoError(t, txt.Set("note", []byte{}))

	b, err := txt.Encode()
	require.NoError(t, err)
	assert.Equal(t, []byte("\x09txtvers=1\x05color\x05note="), b)

	back := DecodeTXTRecord(b)
	assert.True(t, txt.Equal(back))
	v, ok := back.Get("color")
	assert.True(t, ok)
	assert.Nil(t, v, "flag-only attributes have no value")
	v, ok = back.Get("note")
	assert.True(t, ok)
	assert.NotNil(t, v)
	assert.Empty(t, v)
}

func TestTXTRecordEmpty(t *testing.T) {
	b, err := NewTXTRecord().Encode()
	require.NoError(t, err)
	assert.Equal(t, []byte{0}, b)
	assert.Equal(t, 0, DecodeTXTRecord(b).Len())

	var nilRecord *TXTRecord
	b, err = nilRecord.Encode()
	require.NoError(t, err)
	assert.Equal(t, []byte{0}, b)
	assert.False(t, nilRecord.Contains("x"))
}

func TestTXTRecordKeysAreCaseInsensitive(t *testing.T) {
	txt := NewTXTRecord()
	require.NoError(t, txt.SetString("Path", "/a"))
	require.NoError(t, txt.SetString("other", "x"))
	require.NoError(t, txt.SetString("PATH", "/b"))

	assert.Equal(t, 2, txt.Len())
	assert.Equal(t, []string{"PATH", "other"}, txt.Keys())
	v, ok := txt.GetString("path")
	assert.True(t, ok)
	assert.Equal(t, "/b", v)

	require.NoError(t, txt.Remove("path"))
	assert.ErrorIs(t, txt.Remove("path"), ErrNoSuchKey)
	assert.Equal(t, map[string]string{"other": "x"}, txt.Map())
}

func TestTXTRecordRejectsBadEntries(t *testing.T) {
	txt := NewTXTRecord()
	assert.ErrorIs(t, txt.SetString("", "x"), ErrBadParam)
	assert.ErrorIs(t, txt.SetString("a=b", "x"), ErrBadParam)
	assert.ErrorIs(t, txt.SetString("k", strings.Repeat("v", 254)), ErrBadParam)
	assert.NoError(t, txt.SetString("k", strings.Repeat("v", 253)))
}

func TestTXTRecordTooLarge(t *testing.T) {
	txt := NewTXTRecord()
	for i := 0; i < 400; i++ {
		require.NoError(t, txt.SetString(strings.Repeat("k", 10)+string(rune('a'+i%26))+strings.Repeat("z", i/26), strings.Repeat("v", 200)))
	}
	_, err := txt.Encode()
	assert.ErrorIs(t, err, ErrRecordTooLarge)
}

func TestDecodeTXTRecordSkipsMalformedEntries(t *testing.T) {
	b := []byte("\x03a=1\x02=x\x03b\x01c\x03a=2\x03d=4")
	b = append(b, 0x09, 'e') // runs past the end
	txt := DecodeTXTRecord(b)

	assert.Equal(t, []string{"a=1", "d=4"}, txt.Strings())
}

func TestDecodeTXTRecordKeepsWellFormedNeighbours(t *testing.T) {
	txt := DecodeTXTRecord([]byte("\x03a=1\x04=bad\x03b=2"))
	assert.Equal(t, []string{"a=1", "b=2"}, txt.Strings())

	txt = DecodeTXTRecord([]byte("\x03a=1\x04=bad\x03b=2\x06path=/"))
	assert.Equal(t, []string{"a=1", "b=2", "path=/"}, txt.Strings())
	v, ok := txt.Get("path")
	assert.True(t, ok)
	assert.Equal(t, []byte("/"), v)
}

func TestTXTRecordFromMapIsSorted(t *testing.T) {
	txt, err := TXTRecordFromMap(map[string]string{"b": "2", "a": "1", "c": ""})
	require.NoError(t, err)
	assert.Equal(t, []string{"a=1", "b=2", "c="}, txt.Strings())
}

func TestTXTRecordAt(t *testing.T) {
	txt := DecodeTXTRecord([]byte("\x03a=1\x04flag\x02b="))

	key, value, ok := txt.At(0)
	require.True(t, ok)
	assert.Equal(t, "a", key)
	assert.Equal(t, []byte("1"), value)

	key, value, ok = txt.At(1)
	require.True(t, ok)
	assert.Equal(t, "flag", key)
	assert.Nil(t, value)

	key, value, ok = txt.At(2)
	require.True(t, ok)
	assert.Equal(t, "b", key)
	assert.Equal(t, []byte{}, value)

	_, _, ok = txt.At(3)
	assert.False(t, ok)
	_, _, ok = txt.At(-1)
	assert.False(t, ok)

	var empty *TXTRecord
	_, _, ok = empty.At(0)
	assert.False(t, ok)
}

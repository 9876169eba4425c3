package dnssd

import (
	"bytes"
	"strings"
)

const (
	maxTXTEntryLength  = 255
	maxTXTRecordLength = 65535
)

// txtEntry is one attribute. A nil value marks a flag-only attribute
// ("key"); an empty non-nil value encodes as "key=".
type txtEntry struct {
	key   string
	value []byte
}

// TXTRecord holds the key/value attributes published in a DNS-SD TXT
// record (RFC 6763 §6). Keys are unique and matched case-insensitively; the
// order of first insertion is kept so that encoding is deterministic.
//
// The zero value is an empty record ready to use.
type TXTRecord struct {
	entries []txtEntry
}

// NewTXTRecord returns an empty record.
func NewTXTRecord() *TXTRecord {
	return &TXTRecord{}
}

// TXTRecordFromMap builds a record from string pairs. Keys are inserted in
// sorted order so the encoding does not depend on map iteration.
func TXTRecordFromMap(m map[string]string) (*TXTRecord, error) {
	t := NewTXTRecord()
	for _, k := range sortedKeys(m) {
		if err := t.SetString(k, m[k]); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func (t *TXTRecord) index(key string) int {
	for i, e := range t.entries {
		if strings.EqualFold(e.key, key) {
			return i
		}
	}
	return -1
}

func validTXTKey(key string) bool {
	if key == "" {
		return false
	}
	for i := 0; i < len(key); i++ {
		if key[i] < 0x20 || key[i] > 0x7E || key[i] == '=' {
			return false
		}
	}
	return true
}

// Set stores value under key, replacing any previous value. A nil value
// stores a flag-only attribute.
func (t *TXTRecord) Set(key string, value []byte) error {
	if !validTXTKey(key) {
		return errorf(KindBadParam, "txt set", "invalid key %q", key)
	}
	size := len(key)
	if value != nil {
		size += 1 + len(value)
	}
	if size > maxTXTEntryLength {
		return errorf(KindBadParam, "txt set", "entry for %q is %d bytes, limit is %d", key, size, maxTXTEntryLength)
	}
	if value != nil {
		value = append([]byte{}, value...)
	}
	if i := t.index(key); i >= 0 {
		t.entries[i] = txtEntry{key: key, value: value}
		return nil
	}
	t.entries = append(t.entries, txtEntry{key: key, value: value})
	return nil
}

// SetString is Set for string values.
func (t *TXTRecord) SetString(key, value string) error {
	return t.Set(key, []byte(value))
}

// SetFlag stores a boolean attribute with no value.
func (t *TXTRecord) SetFlag(key string) error {
	return t.Set(key, nil)
}

// Remove deletes key. It fails with ErrNoSuchKey when the key is absent.
func (t *TXTRecord) Remove(key string) error {
	i := t.index(key)
	if i < 0 {
		return errorf(KindNoSuchKey, "txt remove", "key %q not present", key)
	}
	t.entries = append(t.entries[:i], t.entries[i+1:]...)
	return nil
}

// Get returns the value stored for key. Flag-only attributes report a nil
// value with ok set.
func (t *TXTRecord) Get(key string) (value []byte, ok bool) {
	if t == nil {
		return nil, false
	}
	i := t.index(key)
	if i < 0 {
		return nil, false
	}
	return t.entries[i].value, true
}

// GetString returns the value for key as a string.
func (t *TXTRecord) GetString(key string) (string, bool) {
	v, ok := t.Get(key)
	return string(v), ok
}

// Contains reports whether key is present.
func (t *TXTRecord) Contains(key string) bool {
	_, ok := t.Get(key)
	return ok
}

// Len returns the number of attributes.
func (t *TXTRecord) Len() int {
	if t == nil {
		return 0
	}
	return len(t.entries)
}

// Keys returns the keys in serialization order.
func (t *TXTRecord) Keys() []string {
	if t == nil {
		return nil
	}
	keys := make([]string, len(t.entries))
	for i, e := range t.entries {
		keys[i] = e.key
	}
	return keys
}

// At returns the attribute at index i in serialization order. ok is false
// when i is out of range.
func (t *TXTRecord) At(i int) (key string, value []byte, ok bool) {
	if i < 0 || i >= t.Len() {
		return "", nil, false
	}
	e := t.entries[i]
	return e.key, e.value, true
}

// Map returns the attributes as strings. Flag-only attributes map to "".
func (t *TXTRecord) Map() map[string]string {
	m := make(map[string]string, t.Len())
	if t == nil {
		return m
	}
	for _, e := range t.entries {
		m[e.key] = string(e.value)
	}
	return m
}

// Equal reports whether both records hold the same entries in the same
// order, distinguishing flag-only from empty values.
func (t *TXTRecord) Equal(o *TXTRecord) bool {
	if t.Len() != o.Len() {
		return false
	}
	for i := 0; i < t.Len(); i++ {
		a, b := t.entries[i], o.entries[i]
		if a.key != b.key || (a.value == nil) != (b.value == nil) || !bytes.Equal(a.value, b.value) {
			return false
		}
	}
	return true
}

// Strings renders each entry in its "key=value" or "key" form.
func (t *TXTRecord) Strings() []string {
	if t == nil {
		return nil
	}
	out := make([]string, len(t.entries))
	for i, e := range t.entries {
		out[i] = e.key
		if e.value != nil {
			out[i] += "=" + string(e.value)
		}
	}
	return out
}

// Encode serializes the record into TXT rdata: one length byte followed by
// the entry for each attribute. An empty record encodes as a single zero
// byte (RFC 6763 §6.1).
func (t *TXTRecord) Encode() ([]byte, error) {
	if t.Len() == 0 {
		return []byte{0}, nil
	}
	var buf bytes.Buffer
	for _, e := range t.entries {
		n := len(e.key)
		if e.value != nil {
			n += 1 + len(e.value)
		}
		if n > maxTXTEntryLength {
			return nil, errorf(KindBadParam, "txt encode", "entry for %q is %d bytes", e.key, n)
		}
		buf.WriteByte(byte(n))
		buf.WriteString(e.key)
		if e.value != nil {
			buf.WriteByte('=')
			buf.Write(e.value)
		}
		if buf.Len() > maxTXTRecordLength {
			return nil, errorf(KindRecordTooLarge, "txt encode", "record exceeds %d bytes", maxTXTRecordLength)
		}
	}
	return buf.Bytes(), nil
}

// DecodeTXTRecord parses TXT rdata. Malformed entries are skipped one by
// one instead of failing the whole record: an empty key, a key with
// non-printable bytes, or a length byte running past the end of the data.
// When a key repeats, the first occurrence wins (RFC 6763 §6.4).
func DecodeTXTRecord(b []byte) *TXTRecord {
	t := NewTXTRecord()
	for off := 0; off < len(b); {
		n := int(b[off])
		off++
		if n == 0 {
			continue
		}
		if off+n > len(b) {
			break
		}
		entry := b[off : off+n]
		off += n

		key, value := entry, []byte(nil)
		if i := bytes.IndexByte(entry, '='); i >= 0 {
			key, value = entry[:i], append([]byte{}, entry[i+1:]...)
		}
		if !validTXTKey(string(key)) || t.index(string(key)) >= 0 {
			continue
		}
		t.entries = append(t.entries, txtEntry{key: string(key), value: value})
	}
	return t
}

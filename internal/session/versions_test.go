package session

import (
	"encoding/binary"
	"testing"

	"github.com/CZ-NIC/ucollect/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodeVersionRecord(t *testing.T, name string, version uint16, md5 [16]byte, lib string, active bool) []byte {
	t.Helper()
	out := append([]byte{}, wire.PutString(name)...)
	var vbuf [2]byte
	binary.BigEndian.PutUint16(vbuf[:], version)
	out = append(out, vbuf[:]...)
	out = append(out, md5[:]...)
	out = append(out, wire.PutString(lib)...)
	if active {
		out = append(out, 'A')
	} else {
		out = append(out, 'I')
	}
	return out
}

func TestParseVersionsSingleRecord(t *testing.T) {
	var md5 [16]byte
	copy(md5[:], "0123456789abcdef")
	payload := encodeVersionRecord(t, "Count", 3, md5, "libcount.so", true)

	got, err := parseVersions(payload)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Count", got[0].name)
	assert.Equal(t, uint16(3), got[0].version)
	assert.Equal(t, md5, got[0].md5)
	assert.Equal(t, "libcount.so", got[0].lib)
	assert.True(t, got[0].active)
}

func TestParseVersionsMultipleRecords(t *testing.T) {
	var md5a, md5b [16]byte
	copy(md5a[:], "aaaaaaaaaaaaaaaa")
	copy(md5b[:], "bbbbbbbbbbbbbbbb")
	payload := append(
		encodeVersionRecord(t, "Count", 1, md5a, "libcount.so", true),
		encodeVersionRecord(t, "Sniff", 2, md5b, "libsniff.so", false)...,
	)

	got, err := parseVersions(payload)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "Count", got[0].name)
	assert.Equal(t, "Sniff", got[1].name)
	assert.False(t, got[1].active)
}

func TestParseVersionsTruncatedRecord(t *testing.T) {
	payload := wire.PutString("Count")
	_, err := parseVersions(payload)
	assert.Error(t, err)
}

package layout

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendHeader(t *testing.T) {
	t.Parallel()

	b := AppendHeader(nil, 3)
	require.Len(t, b, HeaderSize)
	assert.Equal(t, 92, HeaderSize)
	assert.Equal(t, []byte("PAKT"), b[:4])
	assert.Equal(t, uint32(1), binary.LittleEndian.Uint32(b[4:8]))
	assert.Equal(t, make([]byte, ReservedSize), b[8:88])
	assert.Equal(t, uint32(3), binary.LittleEndian.Uint32(b[88:92]))
}

func TestDecodeHeader(t *testing.T) {
	t.Parallel()

	valid := AppendHeader(nil, 7)

	badVersion := bytes.Clone(valid)
	binary.LittleEndian.PutUint32(badVersion[4:8], 2)

	dirtyReserved := bytes.Clone(valid)
	dirtyReserved[20] = 0xff

	tests := []struct {
		name    string
		data    []byte
		want    Header
		wantErr error
	}{
		{name: "valid", data: valid, want: Header{Version: 1, Count: 7}},
		{name: "reserved bytes ignored", data: dirtyReserved, want: Header{Version: 1, Count: 7}},
		{name: "bad magic", data: append([]byte("ZIPX"), valid[4:]...), wantErr: ErrInvalidMagic},
		{name: "bad magic short buffer", data: []byte("NOPE"), wantErr: ErrInvalidMagic},
		{name: "bad version", data: badVersion, wantErr: ErrInvalidVersion},
		{name: "empty", data: nil, wantErr: ErrUnexpectedEnd},
		{name: "magic only", data: valid[:4], wantErr: ErrUnexpectedEnd},
		{name: "truncated count", data: valid[:90], wantErr: ErrUnexpectedEnd},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := DecodeHeader(tt.data)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				if errors.Is(tt.wantErr, ErrUnexpectedEnd) {
					require.ErrorIs(t, err, io.ErrUnexpectedEOF)
				}
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEntrySize(t *testing.T) {
	t.Parallel()

	assert.Equal(t, uint64(12), EntrySize(0))
	assert.Equal(t, uint64(17), EntrySize(5))
	assert.Equal(t, EntrySize(5), uint64(len(AppendEntry(nil, "a.txt", 0, 0))))
}

func TestEntryRoundTrip(t *testing.T) {
	t.Parallel()

	var b []byte
	b = AppendEntry(b, "a.txt", 114, 2)
	b = AppendEntry(b, "b.bin", 116, 3)
	b = AppendEntry(b, "", MaxUint32, 0)

	r := bytes.NewReader(b)
	want := []Entry{
		{Name: "a.txt", Offset: 114, Size: 2},
		{Name: "b.bin", Offset: 116, Size: 3},
		{Name: "", Offset: MaxUint32, Size: 0},
	}
	for _, w := range want {
		got, err := ReadEntry(r, 0)
		require.NoError(t, err)
		assert.Equal(t, w, got)
	}
	assert.Equal(t, 0, r.Len())
}

func TestReadEntry_NonUTF8Name(t *testing.T) {
	t.Parallel()

	name := string([]byte{0xff, 0xfe, 0x00, 'x'})
	got, err := ReadEntry(bytes.NewReader(AppendEntry(nil, name, 1, 2)), 0)
	require.NoError(t, err)
	assert.Equal(t, name, got.Name)
}

func TestReadEntry_Truncated(t *testing.T) {
	t.Parallel()

	full := AppendEntry(nil, "member", 100, 42)
	for n := range len(full) {
		_, err := ReadEntry(bytes.NewReader(full[:n]), 0)
		require.ErrorIs(t, err, ErrUnexpectedEnd, "prefix of %d bytes", n)
		require.ErrorIs(t, err, io.ErrUnexpectedEOF, "prefix of %d bytes", n)
	}
}

func TestReadEntry_LongNameTruncated(t *testing.T) {
	t.Parallel()

	// Claims a 1 MiB name but carries only a few bytes.
	b := binary.LittleEndian.AppendUint32(nil, 1<<20)
	b = append(b, "short"...)

	_, err := ReadEntry(bytes.NewReader(b), 0)
	require.ErrorIs(t, err, ErrUnexpectedEnd)
}

func TestReadEntry_LongName(t *testing.T) {
	t.Parallel()

	name := string(bytes.Repeat([]byte("n"), smallNameLen+1))
	got, err := ReadEntry(bytes.NewReader(AppendEntry(nil, name, 9, 8)), 0)
	require.NoError(t, err)
	assert.Equal(t, name, got.Name)
	assert.Equal(t, uint32(9), got.Offset)
	assert.Equal(t, uint32(8), got.Size)
}

func TestReadEntry_NameLimit(t *testing.T) {
	t.Parallel()

	b := AppendEntry(nil, "toolong", 0, 0)

	_, err := ReadEntry(bytes.NewReader(b), 6)
	require.ErrorIs(t, err, ErrNameTooLong)

	got, err := ReadEntry(bytes.NewReader(b), 7)
	require.NoError(t, err)
	assert.Equal(t, "toolong", got.Name)
}

func TestReadFull_WrapsReaderError(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	err := ReadFull(errReader{err: boom}, make([]byte, 4), "entry offset")
	require.ErrorIs(t, err, boom)
	require.NotErrorIs(t, err, ErrUnexpectedEnd)
	assert.Contains(t, err.Error(), "entry offset")
}

func TestCheckNameLen(t *testing.T) {
	t.Parallel()

	require.NoError(t, CheckNameLen(0))
	require.NoError(t, CheckNameLen(MaxUint32))
	require.ErrorIs(t, CheckNameLen(MaxUint32+1), ErrNameTooLong)
}

func TestEntryEnd(t *testing.T) {
	t.Parallel()

	e := Entry{Offset: MaxUint32, Size: MaxUint32}
	assert.Equal(t, uint64(MaxUint32)*2, e.End())
}

type errReader struct{ err error }

func (r errReader) Read([]byte) (int, error) { return 0, r.err }

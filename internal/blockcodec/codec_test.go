package blockcodec

import (
	"bytes"
	"testing"

	"github.com/keyspace/keyspace/internal/checksum"
	"github.com/keyspace/keyspace/internal/compression"
)

func TestBuilderIteratorRoundtrip(t *testing.T) {
	b := NewBuilder(2)
	entries := []struct{ key, value string }{
		{"aaa", "v1"}, {"aab", "v2"}, {"aac", "v3"}, {"abc", "v4"}, {"b", "v5"},
	}
	for _, e := range entries {
		b.Add([]byte(e.key), []byte(e.value))
	}
	payload := b.Finish()

	block, err := ParseBlock(payload)
	if err != nil {
		t.Fatalf("ParseBlock: %v", err)
	}

	it := block.NewIterator(bytes.Compare)
	it.SeekToFirst()
	for _, e := range entries {
		if !it.Valid() {
			t.Fatalf("expected valid entry for %q", e.key)
		}
		if string(it.Key()) != e.key || string(it.Value()) != e.value {
			t.Errorf("got (%q,%q), want (%q,%q)", it.Key(), it.Value(), e.key, e.value)
		}
		it.Next()
	}
	if it.Valid() {
		t.Errorf("expected exhausted iterator")
	}
}

func TestIteratorSeek(t *testing.T) {
	b := NewBuilder(2)
	keys := []string{"a", "c", "e", "g", "i"}
	for _, k := range keys {
		b.Add([]byte(k), []byte("v-"+k))
	}
	block, err := ParseBlock(b.Finish())
	if err != nil {
		t.Fatalf("ParseBlock: %v", err)
	}

	tests := []struct {
		seek string
		want string
	}{
		{"a", "a"}, {"b", "c"}, {"c", "c"}, {"d", "e"}, {"i", "i"}, {"z", ""},
	}
	for _, tt := range tests {
		it := block.NewIterator(bytes.Compare)
		it.Seek([]byte(tt.seek))
		if tt.want == "" {
			if it.Valid() {
				t.Errorf("Seek(%q) = %q, want exhausted", tt.seek, it.Key())
			}
			continue
		}
		if !it.Valid() || string(it.Key()) != tt.want {
			t.Errorf("Seek(%q) = %q, want %q", tt.seek, it.Key(), tt.want)
		}
	}
}

func TestWriteReadBlockRoundtrip(t *testing.T) {
	for _, comp := range []compression.Type{compression.NoCompression, compression.SnappyCompression, compression.ZlibCompression, compression.ZstdCompression} {
		for _, cs := range []checksum.Type{checksum.TypeCRC32C, checksum.TypeXXH3} {
			t.Run(comp.String()+"_"+cs.String(), func(t *testing.T) {
				payload := bytes.Repeat([]byte("the quick brown fox "), 50)
				var buf bytes.Buffer
				handle, err := WriteBlock(&buf, TypeData, payload, comp, cs, 0, 0)
				if err != nil {
					t.Fatalf("WriteBlock: %v", err)
				}
				if handle.Size != uint64(buf.Len()) {
					t.Errorf("handle.Size = %d, want %d", handle.Size, buf.Len())
				}

				gotType, gotPayload, prevOffset, err := ReadBlock(buf.Bytes())
				if err != nil {
					t.Fatalf("ReadBlock: %v", err)
				}
				if gotType != TypeData {
					t.Errorf("type = %v, want %v", gotType, TypeData)
				}
				if !bytes.Equal(gotPayload, payload) {
					t.Errorf("payload mismatch")
				}
				if prevOffset != 0 {
					t.Errorf("prevOffset = %d, want 0", prevOffset)
				}
			})
		}
	}
}

func TestReadBlockChecksumMismatch(t *testing.T) {
	var buf bytes.Buffer
	if _, err := WriteBlock(&buf, TypeData, []byte("hello world"), compression.NoCompression, checksum.TypeCRC32C, 0, 0); err != nil {
		t.Fatalf("WriteBlock: %v", err)
	}
	corrupt := buf.Bytes()
	corrupt[HeaderSize] ^= 0xff

	if _, _, _, err := ReadBlock(corrupt); err != ErrChecksumMismatch {
		t.Errorf("ReadBlock error = %v, want %v", err, ErrChecksumMismatch)
	}
}

func TestPrevOffsetLink(t *testing.T) {
	var buf bytes.Buffer
	h1, err := WriteBlock(&buf, TypeData, []byte("first"), compression.NoCompression, checksum.TypeCRC32C, 0, 0)
	if err != nil {
		t.Fatalf("WriteBlock: %v", err)
	}
	h2, err := WriteBlock(&buf, TypeData, []byte("second"), compression.NoCompression, checksum.TypeCRC32C, h1.Offset+h1.Size, h1.Offset)
	if err != nil {
		t.Fatalf("WriteBlock: %v", err)
	}

	_, _, prev, err := ReadBlock(buf.Bytes()[h2.Offset : h2.Offset+h2.Size])
	if err != nil {
		t.Fatalf("ReadBlock: %v", err)
	}
	if prev != h1.Offset {
		t.Errorf("prevOffset = %d, want %d", prev, h1.Offset)
	}
}

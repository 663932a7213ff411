// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package compress

import (
	"bytes"
	"crypto/rand"
	"errors"
	"strings"
	"testing"
)

func TestTagString(t *testing.T) {
	tests := []struct {
		tag  Tag
		want string
	}{
		{None, "none"},
		{LZ4, "lz4"},
		{Zstd, "zstd"},
		{Gzip, "gzip"},
		{Tag(99), "unknown(99)"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.tag.String(); got != tt.want {
				t.Errorf("Tag(%d).String() = %q, want %q", tt.tag, got, tt.want)
			}
		})
	}
}

func TestParse(t *testing.T) {
	for _, name := range []string{"none", "lz4", "zstd", "gzip"} {
		tag, err := Parse(name)
		if err != nil {
			t.Fatalf("Parse(%q): %v", name, err)
		}
		if tag.String() != name {
			t.Errorf("Parse(%q).String() = %q", name, tag.String())
		}
	}
	if _, err := Parse("brotli"); err == nil {
		t.Error("Parse(\"brotli\") should fail")
	}
}

func TestRoundTrip(t *testing.T) {
	data := []byte(strings.Repeat("func main() { fmt.Println(\"hello, world\") }\n", 64))
	for _, tag := range []Tag{LZ4, Zstd, Gzip} {
		t.Run(tag.String(), func(t *testing.T) {
			compressed, err := Compress(data, tag)
			if err != nil {
				t.Fatalf("Compress: %v", err)
			}
			if len(compressed) >= len(data) {
				t.Errorf("compressed size %d not smaller than %d", len(compressed), len(data))
			}
			decompressed, err := Decompress(compressed, tag, len(data))
			if err != nil {
				t.Fatalf("Decompress: %v", err)
			}
			if !bytes.Equal(decompressed, data) {
				t.Error("round trip changed the data")
			}
		})
	}
}

func TestDecompressSizeMismatch(t *testing.T) {
	data := []byte(strings.Repeat("abcdefgh", 128))
	for _, tag := range []Tag{LZ4, Zstd, Gzip} {
		t.Run(tag.String(), func(t *testing.T) {
			compressed, err := Compress(data, tag)
			if err != nil {
				t.Fatalf("Compress: %v", err)
			}
			if _, err := Decompress(compressed, tag, len(data)-1); err == nil {
				t.Error("Decompress with short original size should fail")
			}
		})
	}
	if _, err := Decompress([]byte("abc"), None, 4); err == nil {
		t.Error("None with mismatched size should fail")
	}
}

func TestIncompressible(t *testing.T) {
	random := make([]byte, 4096)
	if _, err := rand.Read(random); err != nil {
		t.Fatal(err)
	}
	for _, tag := range []Tag{LZ4, Zstd, Gzip} {
		if _, err := Compress(random, tag); !errors.Is(err, ErrIncompressible) {
			t.Errorf("Compress(random, %s) error = %v, want ErrIncompressible", tag, err)
		}
	}

	output, tag, err := Auto(random, Zstd)
	if err != nil {
		t.Fatalf("Auto: %v", err)
	}
	if tag != None || !bytes.Equal(output, random) {
		t.Errorf("Auto on random data returned tag %s", tag)
	}
}

func TestAutoSkipsSmallPayloads(t *testing.T) {
	data := []byte(strings.Repeat("a", MinSize-1))
	output, tag, err := Auto(data, Zstd)
	if err != nil {
		t.Fatalf("Auto: %v", err)
	}
	if tag != None || len(output) != len(data) {
		t.Errorf("Auto(%d bytes) = tag %s, want none", len(data), tag)
	}
}

func TestNegotiate(t *testing.T) {
	tests := []struct {
		name       string
		preference []string
		recipients [][]string
		want       Tag
	}{
		{"no recipients", []string{"zstd"}, nil, None},
		{"first common", []string{"zstd", "lz4"}, [][]string{{"lz4", "zstd"}, {"zstd"}}, Zstd},
		{"falls through", []string{"zstd", "lz4"}, [][]string{{"lz4", "zstd"}, {"lz4"}}, LZ4},
		{"nothing common", []string{"zstd"}, [][]string{{"lz4"}}, None},
		{"recipient supports none", []string{"zstd"}, [][]string{{}}, None},
		{"unknown preference skipped", []string{"brotli", "gzip"}, [][]string{{"brotli", "gzip"}}, Gzip},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Negotiate(tt.preference, tt.recipients); got != tt.want {
				t.Errorf("Negotiate = %s, want %s", got, tt.want)
			}
		})
	}
}

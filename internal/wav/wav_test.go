package wav

import (
	"bytes"
	"encoding/binary"
	"testing"

	gowav "github.com/go-audio/wav"
)

var testParams = Params{SampleRate: 48000, BitsPerSample: 16, Channels: 1}

func TestFinalizeSizesAndDataField(t *testing.T) {
	b := NewBuffer()
	b.Append(make([]byte, 100))
	b.Append(make([]byte, 200))
	b.Append(make([]byte, 50))

	if b.TotalBytes() != 350 {
		t.Fatalf("expected 350 total bytes, got %d", b.TotalBytes())
	}

	out, err := b.Finalize(testParams)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if len(out) != 394 {
		t.Fatalf("expected 394 bytes (44 header + 350 data), got %d", len(out))
	}
	if got := binary.LittleEndian.Uint32(out[40:44]); got != 350 {
		t.Fatalf("expected data-size field 350, got %d", got)
	}
	if got := binary.LittleEndian.Uint32(out[4:8]); got != 350+HeaderSize-8 {
		t.Fatalf("expected chunk size %d, got %d", 350+HeaderSize-8, got)
	}
}

func TestFinalizePreservesChunkOrder(t *testing.T) {
	a := bytes.Repeat([]byte{0xAA}, 4)
	bb := bytes.Repeat([]byte{0xBB}, 6)
	c := bytes.Repeat([]byte{0xCC}, 2)

	buf := NewBuffer()
	buf.Append(a)
	buf.Append(bb)
	buf.Append(c)

	out, err := buf.Finalize(testParams)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}

	want := append(append(append([]byte{}, a...), bb...), c...)
	if !bytes.Equal(out[HeaderSize:], want) {
		t.Fatalf("payload does not equal chunk concatenation: %x", out[HeaderSize:])
	}
}

func TestHeaderFields(t *testing.T) {
	head, err := SynthesizeHeader(320, Params{SampleRate: 24000, BitsPerSample: 16, Channels: 2})
	if err != nil {
		t.Fatalf("synthesize header: %v", err)
	}
	if len(head) != HeaderSize {
		t.Fatalf("expected %d header bytes, got %d", HeaderSize, len(head))
	}
	if string(head[0:4]) != "RIFF" || string(head[8:12]) != "WAVE" {
		t.Fatalf("bad container tags: %q %q", head[0:4], head[8:12])
	}
	if string(head[12:16]) != "fmt " || string(head[36:40]) != "data" {
		t.Fatalf("bad subchunk tags: %q %q", head[12:16], head[36:40])
	}
	if got := binary.LittleEndian.Uint16(head[20:22]); got != 1 {
		t.Fatalf("expected PCM format tag 1, got %d", got)
	}
	if got := binary.LittleEndian.Uint16(head[22:24]); got != 2 {
		t.Fatalf("expected 2 channels, got %d", got)
	}
	if got := binary.LittleEndian.Uint32(head[28:32]); got != 24000*2*16/8 {
		t.Fatalf("unexpected byte rate %d", got)
	}
	if got := binary.LittleEndian.Uint16(head[32:34]); got != 4 {
		t.Fatalf("expected block align 4, got %d", got)
	}
}

func TestFinalizeProducesDecodableContainer(t *testing.T) {
	pcm := make([]byte, 0, 350)
	for i := 0; i < 175; i++ {
		var sample [2]byte
		binary.LittleEndian.PutUint16(sample[:], uint16(i))
		pcm = append(pcm, sample[:]...)
	}

	buf := NewBuffer()
	buf.Append(pcm[:100])
	buf.Append(pcm[100:300])
	buf.Append(pcm[300:])

	out, err := buf.Finalize(testParams)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}

	dec := gowav.NewDecoder(bytes.NewReader(out))
	if !dec.IsValidFile() {
		t.Fatal("expected a valid container")
	}
	dec.ReadInfo()
	if dec.SampleRate != 48000 || dec.BitDepth != 16 || dec.NumChans != 1 {
		t.Fatalf("unexpected format: rate=%d depth=%d chans=%d", dec.SampleRate, dec.BitDepth, dec.NumChans)
	}
	pcmBuf, err := dec.FullPCMBuffer()
	if err != nil {
		t.Fatalf("decode pcm: %v", err)
	}
	if len(pcmBuf.Data) != 175 {
		t.Fatalf("expected 175 samples, got %d", len(pcmBuf.Data))
	}
	if pcmBuf.Data[1] != 1 || pcmBuf.Data[174] != 174 {
		t.Fatalf("samples decoded out of order: %d %d", pcmBuf.Data[1], pcmBuf.Data[174])
	}
}

func TestFinalizeEmptyBuffer(t *testing.T) {
	out, err := NewBuffer().Finalize(testParams)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if len(out) != HeaderSize {
		t.Fatalf("expected bare header, got %d bytes", len(out))
	}
	if got := binary.LittleEndian.Uint32(out[40:44]); got != 0 {
		t.Fatalf("expected zero data size, got %d", got)
	}
}

func TestAppendIgnoresEmptyAndReset(t *testing.T) {
	b := NewBuffer()
	b.Append(nil)
	b.Append([]byte{})
	if b.Len() != 0 {
		t.Fatalf("empty appends must not count, got %d chunks", b.Len())
	}
	b.Append([]byte{1, 2, 3})
	b.Reset()
	if b.Len() != 0 || b.TotalBytes() != 0 {
		t.Fatalf("reset must discard chunks, got len=%d total=%d", b.Len(), b.TotalBytes())
	}
}

func TestSynthesizeHeaderRejectsBadParams(t *testing.T) {
	cases := []Params{
		{SampleRate: 0, BitsPerSample: 16, Channels: 1},
		{SampleRate: 48000, BitsPerSample: 0, Channels: 1},
		{SampleRate: 48000, BitsPerSample: 12, Channels: 1},
		{SampleRate: 48000, BitsPerSample: 16, Channels: 0},
	}
	for _, p := range cases {
		if _, err := SynthesizeHeader(10, p); err == nil {
			t.Fatalf("expected error for params %+v", p)
		}
	}
	if _, err := SynthesizeHeader(-1, testParams); err == nil {
		t.Fatal("expected error for negative data size")
	}
}

package stt

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-capture/internal/config"
)

func TestEchoRecognizer(t *testing.T) {
	r := NewEchoRecognizer(0.9)
	res, err := r.Transcribe(context.Background(), Request{Utterance: Utterance{Text: "jane at gmail dot com"}})
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if res.Text != "jane at gmail dot com" || res.Confidence != 0.9 {
		t.Fatalf("unexpected result %+v", res)
	}
	if _, err := r.Transcribe(context.Background(), Request{Utterance: Utterance{PCM: []byte{0, 0}}}); !errors.Is(err, ErrNoText) {
		t.Fatalf("expected ErrNoText, got %v", err)
	}
}

func TestMockRecognizerHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewMockRecognizer(1).Transcribe(ctx, Request{Utterance: Utterance{Text: "x"}}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	res, err := NewMockRecognizer(1).Transcribe(context.Background(), Request{Utterance: Utterance{PCM: make([]byte, 8)}})
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if res.Text != "[transcript length=8]" {
		t.Fatalf("unexpected text %q", res.Text)
	}
}

func TestNewRejectsUnknownMode(t *testing.T) {
	if _, err := New(config.RecognizerProvider{Name: "x", Mode: "cloud"}); err == nil {
		t.Fatal("expected error for unknown mode")
	}
	if _, err := New(config.RecognizerProvider{Name: "x", Mode: "exec", Command: "  "}); err == nil {
		t.Fatal("expected error for empty command")
	}
}

func TestWritePCMToWav(t *testing.T) {
	file, err := os.CreateTemp(t.TempDir(), "pcm_*.wav")
	if err != nil {
		t.Fatalf("temp file: %v", err)
	}
	defer file.Close()

	pcm := []byte{0x01, 0x00, 0xff, 0xff, 0x00, 0x10}
	if err := writePCMToWav(file, pcm, 16000, 1); err != nil {
		t.Fatalf("write wav: %v", err)
	}
	if _, err := file.Seek(0, 0); err != nil {
		t.Fatalf("seek: %v", err)
	}
	dec := wav.NewDecoder(file)
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if dec.SampleRate != 16000 || dec.NumChans != 1 {
		t.Fatalf("unexpected format %d Hz x %d", dec.SampleRate, dec.NumChans)
	}
	want := []int{1, -1, 4096}
	if len(buf.Data) != len(want) {
		t.Fatalf("expected %d samples, got %d", len(want), len(buf.Data))
	}
	for i := range want {
		if buf.Data[i] != want[i] {
			t.Fatalf("sample %d: expected %d, got %d", i, want[i], buf.Data[i])
		}
	}

	if err := writePCMToWav(file, []byte{1}, 16000, 1); err == nil {
		t.Fatal("expected error for misaligned pcm")
	}
}

func TestExecRecognizer(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	r, err := NewExecRecognizer(config.RecognizerProvider{
		Name:    "script",
		Mode:    "exec",
		Command: `sh -c 'printf "{\"text\":\"%s\",\"confidence\":0.8}" "$1"'`,
	})
	if err != nil {
		t.Fatalf("new exec recognizer: %v", err)
	}
	res, err := r.Transcribe(context.Background(), Request{Utterance: Utterance{Text: "five five five"}, Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if res.Text != "five five five" || res.Confidence != 0.8 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestExecRecognizerTimeout(t *testing.T) {
	if _, err := exec.LookPath("sleep"); err != nil {
		t.Skip("sleep not available")
	}
	r, err := NewExecRecognizer(config.RecognizerProvider{Name: "slow", Mode: "exec", Command: "sh -c 'sleep 5'"})
	if err != nil {
		t.Fatalf("new exec recognizer: %v", err)
	}
	_, err = r.Transcribe(context.Background(), Request{Utterance: Utterance{Text: "x"}, Timeout: 50 * time.Millisecond})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

package stt

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-capture/internal/config"
	"github.com/mattn/go-shellwords"
)

type execRecognizer struct {
	cmd []string
	cfg config.RecognizerProvider
}

type execResult struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

func NewExecRecognizer(cfg config.RecognizerProvider) (Recognizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse stt command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("stt command is empty")
	}
	return &execRecognizer{cmd: args, cfg: cfg}, nil
}

func (r *execRecognizer) Transcribe(ctx context.Context, req Request) (TranscriptResult, error) {
	ctx, cancel := withTimeout(ctx, req.Timeout)
	defer cancel()

	cmdArgs := append([]string{}, r.cmd[1:]...)
	if len(req.Utterance.PCM) > 0 {
		file, err := os.CreateTemp("", "capture_stt_*.wav")
		if err != nil {
			return TranscriptResult{}, fmt.Errorf("temp file: %w", err)
		}
		defer os.Remove(file.Name())
		defer file.Close()

		sampleRate, channels := req.Utterance.SampleRate, req.Utterance.Channels
		if sampleRate <= 0 {
			sampleRate = r.cfg.SampleRate
		}
		if channels <= 0 {
			channels = r.cfg.Channels
		}
		if err := writePCMToWav(file, req.Utterance.PCM, sampleRate, channels); err != nil {
			return TranscriptResult{}, err
		}
		cmdArgs = append(cmdArgs, "--audio", file.Name())
	} else {
		cmdArgs = append(cmdArgs, "--text", req.Utterance.Text)
	}
	if r.cfg.ModelPath != "" {
		cmdArgs = append(cmdArgs, "--model", r.cfg.ModelPath)
	}
	language := r.cfg.Language
	if language == "" {
		language = req.Locale
	}
	if language != "" {
		cmdArgs = append(cmdArgs, "--language", language)
	}

	command := exec.CommandContext(ctx, r.cmd[0], cmdArgs...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		if ctx.Err() != nil {
			return TranscriptResult{}, ctx.Err()
		}
		return TranscriptResult{}, fmt.Errorf("stt command failed: %w: %s", err, stderr.String())
	}

	var resp execResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return TranscriptResult{}, fmt.Errorf("decode stt response: %w", err)
	}
	return TranscriptResult{Text: resp.Text, Confidence: resp.Confidence}, nil
}

func writePCMToWav(w io.WriteSeeker, pcm []byte, sampleRate int, channels int) error {
	if len(pcm)%2 != 0 {
		return fmt.Errorf("pcm payload not aligned")
	}
	if sampleRate <= 0 || channels <= 0 {
		return fmt.Errorf("invalid audio format %d Hz x %d", sampleRate, channels)
	}
	buffer := &audio.IntBuffer{Format: &audio.Format{NumChannels: channels, SampleRate: sampleRate}}
	samples := make([]int, len(pcm)/2)
	for i := 0; i < len(samples); i++ {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	buffer.Data = samples

	enc := wav.NewEncoder(w, sampleRate, 16, channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}

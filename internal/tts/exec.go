package tts

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os/exec"

	"github.com/mattn/go-shellwords"
)

type execSpeaker struct {
	cmd        []string
	sampleRate int
	channels   int
}

type execRequest struct {
	Text       string `json:"text"`
	Voice      string `json:"voice"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
}

type execResponse struct {
	PCMBase64 string `json:"pcm_base64"`
	Final     bool   `json:"final"`
}

// NewExecSpeaker runs command once per request. The command reads one JSON
// request on stdin and writes JSON lines carrying base64 PCM.
func NewExecSpeaker(command string, sampleRate, channels int) (Speaker, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse tts command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("tts command empty")
	}
	return &execSpeaker{cmd: args, sampleRate: sampleRate, channels: channels}, nil
}

func (e *execSpeaker) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)

		ctx, cancel := withTimeout(ctx, req.Timeout)
		defer cancel()

		data, err := json.Marshal(execRequest{
			Text:       req.Text,
			Voice:      req.Voice,
			SampleRate: e.sampleRate,
			Channels:   e.channels,
		})
		if err != nil {
			errs <- err
			return
		}

		cmd := exec.CommandContext(ctx, e.cmd[0], e.cmd[1:]...)
		stdin, err := cmd.StdinPipe()
		if err != nil {
			errs <- err
			return
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			errs <- err
			return
		}
		if err := cmd.Start(); err != nil {
			errs <- fmt.Errorf("start tts command: %w", err)
			return
		}

		if _, err := stdin.Write(data); err != nil {
			errs <- err
			_ = cmd.Wait()
			return
		}
		stdin.Close()

		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		sequence := 0
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			var resp execResponse
			if err := json.Unmarshal(line, &resp); err != nil {
				errs <- fmt.Errorf("decode tts chunk: %w", err)
				_ = cmd.Wait()
				return
			}
			pcm, err := base64.StdEncoding.DecodeString(resp.PCMBase64)
			if err != nil {
				errs <- fmt.Errorf("decode tts pcm: %w", err)
				_ = cmd.Wait()
				return
			}
			select {
			case chunks <- SynthChunk{
				TraceID:    req.TraceID,
				Sequence:   sequence,
				SampleRate: e.sampleRate,
				Channels:   e.channels,
				PCM:        pcm,
				Final:      resp.Final,
			}:
			case <-ctx.Done():
				errs <- ctx.Err()
				_ = cmd.Wait()
				return
			}
			sequence++
		}
		if err := cmd.Wait(); err != nil {
			if ctx.Err() != nil {
				errs <- ctx.Err()
				return
			}
			errs <- fmt.Errorf("tts command failed: %w", err)
			return
		}
		if err := scanner.Err(); err != nil {
			errs <- err
		}
	}()
	return chunks, errs
}

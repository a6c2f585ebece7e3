// Package ota streams a remote firmware image through an incremental
// sha256, writes it to a flashing collaborator and verifies the digest
// before committing. The state machine is linear (begin, streaming,
// verifying, committed or aborted) and aborts are terminal: there is
// no resume, and every abort path cancels the in-flight flash write so
// the running image stays effective.
package ota

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"irblaster/internal/logger"
)

// Failure codes surfaced to the command protocol.
const (
	CodeHTTPBeginFailed   = "ota_http_begin_failed"
	CodeHTTPStatusInvalid = "ota_http_status_invalid"
	CodeStreamMissing     = "ota_stream_missing"
	CodeUpdateBeginFailed = "ota_update_begin_failed"
	CodeStreamTimeout     = "ota_stream_timeout"
	CodeFlashWriteFailed  = "ota_flash_write_failed"
	CodeChecksumMismatch  = "ota_checksum_mismatch"
	CodeFinalizeFailed    = "ota_finalize_failed"
	CodeNotFinished       = "ota_not_finished"
)

const (
	// defaultStallWindow aborts the stream when no bytes arrive for
	// this long.
	defaultStallWindow = 15 * time.Second
	readChunk          = 1024
)

// Flasher is the flashing collaborator. Begin allocates capacity (size
// may be 0 when the image length is unknown), Abort cancels the
// in-flight write, Finalize commits and reports whether the image is
// complete.
type Flasher interface {
	Begin(size int64) error
	Write(p []byte) (int, error)
	Abort()
	Finalize() (finished bool, err error)
}

// Result is the outcome of one OTA attempt.
type Result struct {
	OK           bool
	Code         string
	Message      string
	ActualSHA256 string
}

func failure(code, message string) Result {
	return Result{Code: code, Message: message}
}

// Pipeline runs OTA attempts. The service step is invoked between
// stream reads so the connectivity layer keeps being polled during a
// multi-second transfer.
type Pipeline struct {
	log        *logger.Logger
	client     *http.Client
	newFlasher func() (Flasher, error)
	service    func()
	stall      time.Duration
}

func NewPipeline(log *logger.Logger, client *http.Client, newFlasher func() (Flasher, error), service func()) *Pipeline {
	if client == nil {
		client = &http.Client{}
	}
	if service == nil {
		service = func() {}
	}
	return &Pipeline{
		log:        log,
		client:     client,
		newFlasher: newFlasher,
		service:    service,
		stall:      defaultStallWindow,
	}
}

// Run streams url into the flasher, verifying against expectedSHA256
// (already normalized to lowercase hex). The digest always covers every
// streamed byte; verification happens only after the entire image is
// received.
func (p *Pipeline) Run(url, expectedSHA256 string) Result {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return failure(CodeHTTPBeginFailed, "failed to open firmware URL: "+err.Error())
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return failure(CodeHTTPBeginFailed, "failed to open firmware URL: "+err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return failure(CodeHTTPStatusInvalid, "HTTP status "+strconv.Itoa(resp.StatusCode))
	}

	flasher, err := p.newFlasher()
	if err != nil {
		return failure(CodeUpdateBeginFailed, err.Error())
	}
	size := resp.ContentLength
	if size < 0 {
		size = 0 // unknown length
	}
	if err := flasher.Begin(size); err != nil {
		return failure(CodeUpdateBeginFailed, err.Error())
	}

	// Stall watchdog: cancels the read when no bytes arrive within the
	// window. Reset after every successful read.
	var stalled atomic.Bool
	watchdog := time.AfterFunc(p.stall, func() {
		stalled.Store(true)
		cancel()
	})
	defer watchdog.Stop()

	digest := sha256.New()
	buf := make([]byte, readChunk)
	var streamed int64
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			watchdog.Reset(p.stall)
			written, writeErr := flasher.Write(buf[:n])
			if writeErr != nil || written != n {
				flasher.Abort()
				msg := "flash write failed"
				if writeErr != nil {
					msg = writeErr.Error()
				}
				return failure(CodeFlashWriteFailed, msg)
			}
			digest.Write(buf[:n])
			streamed += int64(n)
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				break
			}
			flasher.Abort()
			if stalled.Load() {
				return failure(CodeStreamTimeout, "firmware stream timed out")
			}
			return failure(CodeStreamMissing, "firmware stream interrupted: "+readErr.Error())
		}
		p.service()
	}
	watchdog.Stop()

	actual := hex.EncodeToString(digest.Sum(nil))
	if expectedSHA256 != "" && actual != expectedSHA256 {
		flasher.Abort()
		result := failure(CodeChecksumMismatch, "firmware checksum mismatch")
		result.ActualSHA256 = actual
		return result
	}

	finished, err := flasher.Finalize()
	if err != nil {
		return Result{Code: CodeFinalizeFailed, Message: err.Error(), ActualSHA256: actual}
	}
	if !finished {
		return Result{Code: CodeNotFinished, Message: "firmware image is incomplete", ActualSHA256: actual}
	}

	p.log.Infow("ota committed", "bytes", streamed, "sha256", actual)
	return Result{OK: true, Message: "OTA update completed", ActualSHA256: actual}
}

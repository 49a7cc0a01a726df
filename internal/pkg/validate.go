package pkg

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"sort"

	"github.com/deploymenttheory/go-orbispkg/internal/memio"
)

// Status is the outcome of one validation.
type Status int

const (
	// StatusOk means the computed digest matched.
	StatusOk Status = iota
	// StatusFail means the computed digest differed.
	StatusFail
	// StatusNoKey means the check needs key material that is absent.
	StatusNoKey
)

// String returns the display form of a status.
func (s Status) String() string {
	switch s {
	case StatusOk:
		return "OK"
	case StatusFail:
		return "FAIL"
	case StatusNoKey:
		return "NO KEY"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// ValidationResult is one row of the integrity report.
type ValidationResult struct {
	Name        string
	Description string

	// Location is the byte offset the check covers; results stream in
	// ascending location order.
	Location uint64

	Status Status
	Detail string
}

// validation pairs a check with its report row.
type validation struct {
	name        string
	description string
	location    uint64
	check       func() (Status, string)
}

// playgoChunkSize is the granularity of the chunk digest table.
const playgoChunkSize = 0x10000

// Validate runs every integrity check and streams results ordered by
// location. Checks never abort the stream; failures become rows. The
// channel closes when all checks ran or ctx is cancelled.
func (r *Reader) Validate(ctx context.Context) <-chan ValidationResult {
	checks := r.buildValidations()
	sort.SliceStable(checks, func(i, j int) bool { return checks[i].location < checks[j].location })

	out := make(chan ValidationResult)
	go func() {
		defer close(out)

		for _, c := range checks {
			status, detail := c.check()

			result := ValidationResult{
				Name:        c.name,
				Description: c.description,
				Location:    c.location,
				Status:      status,
				Detail:      detail,
			}

			select {
			case out <- result:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}

func (r *Reader) buildValidations() []validation {
	checks := []validation{
		{
			name:        "header digest",
			description: "SHA-256 over the fixed header fields",
			location:    0x100,
			check:       r.checkHeaderDigest,
		},
		{
			name:        "header cmac",
			description: "CMAC over the header with the console key",
			location:    0x180,
			check: func() (Status, string) {
				// The console CMAC key never ships with the package.
				return StatusNoKey, "console key not available"
			},
		},
	}

	if digests := r.Meta(EntryDigests); digests != nil {
		for i := range r.Metas {
			m := &r.Metas[i]
			if m.ID == EntryDigests {
				continue
			}

			checks = append(checks, validation{
				name:        fmt.Sprintf("entry %s", r.Name(m)),
				description: fmt.Sprintf("SHA-256 of entry 0x%X against the digest table", uint32(m.ID)),
				location:    uint64(m.DataOffset),
				check:       r.entryDigestCheck(digests, m),
			})
		}
	}

	if r.Header.PfsImageSize > 0 {
		checks = append(checks, validation{
			name:        "pfs image digest",
			description: "SHA-256 over the embedded PFS image",
			location:    r.Header.PfsImageOffset,
			check:       r.checkPfsImageDigest,
		})

		if chunkSha := r.Meta(EntryPlaygoChunkSha); chunkSha != nil {
			checks = append(checks, validation{
				name:        "playgo chunk digests",
				description: "truncated SHA-256 per 64 KiB chunk of the PFS image",
				location:    uint64(chunkSha.DataOffset),
				check:       r.chunkShaCheck(chunkSha),
			})
		}
	}

	return checks
}

func (r *Reader) checkHeaderDigest() (Status, string) {
	raw, err := memio.ReadExact(r.src, 0, 0x100)
	if err != nil {
		return StatusFail, err.Error()
	}

	digest := sha256.Sum256(raw)
	if digest != r.Header.HeaderDigest {
		return StatusFail, "digest mismatch"
	}
	return StatusOk, ""
}

func (r *Reader) checkPfsImageDigest() (Status, string) {
	h := sha256.New()

	// The image can exceed memory; hash it in chunks.
	buf := make([]byte, playgoChunkSize)
	remaining := int64(r.Header.PfsImageSize)
	off := int64(r.Header.PfsImageOffset)

	for remaining > 0 {
		n := int64(len(buf))
		if remaining < n {
			n = remaining
		}

		chunk, err := memio.ReadExact(r.src, off, int(n))
		if err != nil {
			return StatusFail, err.Error()
		}

		h.Write(chunk)
		off += n
		remaining -= n
	}

	if !bytes.Equal(h.Sum(nil), r.Header.PfsImageDigest[:]) {
		return StatusFail, "digest mismatch"
	}
	return StatusOk, ""
}

func (r *Reader) entryDigestCheck(digests, m *MetaEntry) func() (Status, string) {
	return func() (Status, string) {
		table, err := memio.ReadExact(r.src, int64(digests.DataOffset), int(digests.DataSize))
		if err != nil {
			return StatusFail, err.Error()
		}

		start := int(m.Index) * sha256.Size
		if start+sha256.Size > len(table) {
			return StatusFail, "digest table too short"
		}

		data, err := r.ExtractEntry(m, true)
		if err != nil {
			if m.Encrypted() {
				return StatusNoKey, "entry key not available"
			}
			return StatusFail, err.Error()
		}

		digest := sha256.Sum256(data)
		if !bytes.Equal(digest[:], table[start:start+sha256.Size]) {
			return StatusFail, "digest mismatch"
		}
		return StatusOk, ""
	}
}

func (r *Reader) chunkShaCheck(chunkSha *MetaEntry) func() (Status, string) {
	return func() (Status, string) {
		table, err := r.ExtractEntry(chunkSha, true)
		if err != nil {
			return StatusNoKey, "entry key not available"
		}

		chunks := int((r.Header.PfsImageSize + playgoChunkSize - 1) / playgoChunkSize)
		if len(table)/4 < chunks {
			return StatusFail, fmt.Sprintf("table holds %d chunks, image needs %d", len(table)/4, chunks)
		}

		for i := 0; i < chunks; i++ {
			off := int64(r.Header.PfsImageOffset) + int64(i)*playgoChunkSize

			n := int64(playgoChunkSize)
			if rem := int64(r.Header.PfsImageSize) - int64(i)*playgoChunkSize; rem < n {
				n = rem
			}

			chunk, err := memio.ReadExact(r.src, off, int(n))
			if err != nil {
				return StatusFail, err.Error()
			}

			digest := sha256.Sum256(chunk)
			if !bytes.Equal(digest[:4], table[i*4:i*4+4]) {
				return StatusFail, fmt.Sprintf("chunk %d mismatch", i)
			}
		}

		return StatusOk, ""
	}
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package budget provides memory-aware admission control for the conductor.
//
// A Sampler capability observes available memory; the Monitor caches samples
// and answers the single question the scheduler cares about: is it safe to
// spawn one more task right now. Sampler failures fail closed.
package budget

import (
	"context"
	"runtime"
	"time"

	"golang.org/x/sys/unix"
)

// Budget is a point-in-time snapshot of spawn capacity.
type Budget struct {
	// AvailableBytes is the memory believed to be free for new work.
	AvailableBytes int64 `json:"available_bytes"`

	// SafeThreshold: above this, spawning is unconditionally fine.
	SafeThreshold int64 `json:"safe_threshold"`

	// WarningThreshold: between this and SafeThreshold, spawning is
	// allowed but logged.
	WarningThreshold int64 `json:"warning_threshold"`

	// CriticalThreshold: below this, nothing spawns regardless of estimate.
	CriticalThreshold int64 `json:"critical_threshold"`

	// MaxConcurrent is the hard ceiling on simultaneously running tasks.
	MaxConcurrent int `json:"max_concurrent"`

	// ReservedBytes is headroom that task estimates may never eat into.
	ReservedBytes int64 `json:"reserved_bytes"`

	// SampledAt is when the sample was taken.
	SampledAt time.Time `json:"sampled_at"`
}

// Sampler observes current resource levels.
//
// Description:
//
//	Sampler is an environment capability: hosts choose how "available
//	memory" is measured. Sample is pure observation with no side effects.
//
// Thread Safety:
//
//	Implementations must be safe for concurrent use.
type Sampler interface {
	// Sample reads current resource levels.
	//
	// Outputs:
	//   Budget - Snapshot with AvailableBytes and SampledAt populated.
	//           Threshold fields are filled in by the Monitor.
	//   error - Non-nil if the underlying query fails. The Monitor treats
	//           this as "unsafe" (fail closed).
	Sample(ctx context.Context) (Budget, error)
}

// SysinfoSampler reads system-wide available memory via sysinfo(2).
//
// This is the production sampler on Linux: it sees pressure from every
// process on the box, not just this one.
type SysinfoSampler struct{}

// Sample reads free memory from the kernel.
func (SysinfoSampler) Sample(_ context.Context) (Budget, error) {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return Budget{}, err
	}

	// Unit is the scaling factor for all memory fields.
	unitSize := int64(info.Unit)
	if unitSize == 0 {
		unitSize = 1
	}

	available := (int64(info.Freeram) + int64(info.Bufferram)) * unitSize
	return Budget{
		AvailableBytes: available,
		SampledAt:      time.Now().UTC(),
	}, nil
}

// RuntimeSampler derives availability from this process's heap usage against
// a configured ceiling. Portable fallback when sysinfo is unavailable or the
// process runs under a container memory limit the kernel numbers ignore.
type RuntimeSampler struct {
	// CeilingBytes is the memory this process is allowed to use.
	CeilingBytes int64
}

// Sample reads runtime.MemStats and subtracts heap in use from the ceiling.
func (s RuntimeSampler) Sample(_ context.Context) (Budget, error) {
	if s.CeilingBytes <= 0 {
		return Budget{}, ErrInvalidBudget
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	available := s.CeilingBytes - int64(ms.HeapInuse)
	if available < 0 {
		available = 0
	}
	return Budget{
		AvailableBytes: available,
		SampledAt:      time.Now().UTC(),
	}, nil
}

// StaticSampler returns a fixed budget. Test implementation.
type StaticSampler struct {
	// AvailableBytes is returned from every Sample call.
	AvailableBytes int64

	// Err, if set, is returned instead (simulates a failing OS query).
	Err error
}

// Sample returns the configured values.
func (s *StaticSampler) Sample(_ context.Context) (Budget, error) {
	if s.Err != nil {
		return Budget{}, s.Err
	}
	return Budget{
		AvailableBytes: s.AvailableBytes,
		SampledAt:      time.Now().UTC(),
	}, nil
}

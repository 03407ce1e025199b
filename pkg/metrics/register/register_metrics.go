// Package register blank-imports every package that self-registers a
// prometheus collector via pkg/metrics.RegisterCollector, so a binary
// need only import register once to pull in all of them.
package register

import (
	// Pull in the CR engine's collectors (rows-in-use, allocated
	// cores/memory, planner failures, packer dangling recoveries).
	_ "github.com/hpc-cr/engine/pkg/metrics/enginecollector"
)

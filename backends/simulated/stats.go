// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simulated

import (
	"fmt"
	"sync/atomic"

	"github.com/dustin/go-humanize"
)

// Stats of the work executed by a node, or summed over a cluster.
type Stats struct {
	TransfersSent, TransfersReceived int64
	BytesSent, BytesReceived         int64
	WholeCopies, SubblockCopies      int64
	Flushes                          int64
	TasksExecuted                    int64
}

// Add returns the sum of s and other.
func (s Stats) Add(other Stats) Stats {
	return Stats{
		TransfersSent:     s.TransfersSent + other.TransfersSent,
		TransfersReceived: s.TransfersReceived + other.TransfersReceived,
		BytesSent:         s.BytesSent + other.BytesSent,
		BytesReceived:     s.BytesReceived + other.BytesReceived,
		WholeCopies:       s.WholeCopies + other.WholeCopies,
		SubblockCopies:    s.SubblockCopies + other.SubblockCopies,
		Flushes:           s.Flushes + other.Flushes,
		TasksExecuted:     s.TasksExecuted + other.TasksExecuted,
	}
}

// String implements fmt.Stringer.
func (s Stats) String() string {
	return fmt.Sprintf("transfers: %s sent (%s), %s received (%s); copies: %s whole, %s sub-block; "+
		"flushes: %s; tasks: %s",
		humanize.Comma(s.TransfersSent), humanize.Bytes(uint64(s.BytesSent)),
		humanize.Comma(s.TransfersReceived), humanize.Bytes(uint64(s.BytesReceived)),
		humanize.Comma(s.WholeCopies), humanize.Comma(s.SubblockCopies),
		humanize.Comma(s.Flushes), humanize.Comma(s.TasksExecuted))
}

type statsCounters struct {
	transfersSent, transfersReceived atomic.Int64
	bytesSent, bytesReceived         atomic.Int64
	wholeCopies, subblockCopies      atomic.Int64
	flushes, tasksExecuted           atomic.Int64
}

func (c *statsCounters) snapshot() Stats {
	return Stats{
		TransfersSent:     c.transfersSent.Load(),
		TransfersReceived: c.transfersReceived.Load(),
		BytesSent:         c.bytesSent.Load(),
		BytesReceived:     c.bytesReceived.Load(),
		WholeCopies:       c.wholeCopies.Load(),
		SubblockCopies:    c.subblockCopies.Load(),
		Flushes:           c.flushes.Load(),
		TasksExecuted:     c.tasksExecuted.Load(),
	}
}

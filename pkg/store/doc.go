/*
Package store provides the BoltDB-backed forensics layer for Nexus.

The control plane keeps all authoritative state in memory: the port table,
the service table, tasks and sessions. This package records what happened
beneath those contracts so operators can inspect a crashed or restarted
daemon. Nothing here is ever read back into live state.

# Buckets

	journal         events keyed by monotonic sequence number
	tasks_archive   terminal tasks with their sessions, keyed by task ID
	manifest_state  the last applied ignition manifest under one fixed key

# Architecture

	┌────────────┐  Publish   ┌──────────┐  Subscribe  ┌───────────┐
	│ components │ ─────────> │  broker  │ ──────────> │ Journaler │
	└────────────┘            └──────────┘             └─────┬─────┘
	                                                         │ AppendEvent
	┌──────────────┐  ArchiveTask (janitor)            ┌─────▼─────┐
	│ orchestrator │ ────────────────────────────────> │ BoltStore │
	└──────────────┘                                   └─────┬─────┘
	┌──────────────┐  SaveManifestState (ignition)           │
	│  hypervisor  │ ────────────────────────────────────────┘
	└──────────────┘

The Journaler subscribes to the broker and drains events write-behind; a
full subscriber buffer or a failed write loses a journal entry, never a
control-plane operation. The journal is pruned opportunistically to the
configured retention.

# Usage

	s, err := store.NewBoltStore(cfg.DataDir)
	if err != nil {
		return err
	}
	defer s.Close()

	j := store.NewJournaler(s, broker, 10000)
	j.Start()
	defer j.Stop()

All records are stored as JSON, human-readable with any bbolt inspection
tool.
*/
package store

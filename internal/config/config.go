// Package config loads the per-process JSON configuration file for a
// replication coordinator client, following the teacher's ParseXConf
// pattern: a defaults struct, a JSON overlay, nothing fancier.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/repltable/chreplica/internal/leader"
	"github.com/repltable/chreplica/internal/reconcile"
	"github.com/repltable/chreplica/internal/supervisor"
	"github.com/repltable/chreplica/internal/tablemeta"
)

// Policy holds the numeric constants spec.md calls out by name
// (§4.5, §4.8, §4.9) so they are configurable per deployment instead
// of baked into the code.
type Policy struct {
	MaxToAdd                   int `json:"max_to_add"`
	MaxUnexpected               int `json:"max_unexpected"`
	MaxObsolete                 int `json:"max_obsolete"`
	MaxToFetch                  int `json:"max_to_fetch"`
	MaxReplicatedMergesInQueue  int `json:"max_replicated_merges_in_queue"`
	ReplicatedDedupWindow        int `json:"replicated_deduplication_window"`
	ReplicatedDedupWindowSeconds int `json:"replicated_deduplication_window_seconds"`
	MergeSelectingSleepMs        int `json:"merge_selecting_sleep_ms"`
	DedupGCPeriodMs               int `json:"dedup_gc_period_ms"`
	QueueUpdateSleepMs            int `json:"queue_update_sleep_ms"`
	SupervisorPollMs               int `json:"supervisor_poll_ms"`
	BigMergeInputBytes             int64 `json:"big_merge_input_bytes"`
}

func defaultPolicy() Policy {
	return Policy{
		MaxToAdd:                     2,
		MaxUnexpected:                2,
		MaxObsolete:                  20,
		MaxToFetch:                   2,
		MaxReplicatedMergesInQueue:   16,
		ReplicatedDedupWindow:        100,
		ReplicatedDedupWindowSeconds: 7 * 24 * 3600,
		MergeSelectingSleepMs:        5000,
		DedupGCPeriodMs:              60000,
		QueueUpdateSleepMs:           5000,
		SupervisorPollMs:             2000,
		BigMergeInputBytes:           25 << 20,
	}
}

// Coordinator describes how to reach the coordinator ensemble.
type Coordinator struct {
	Servers         []string `json:"servers"`
	SessionTimeoutMs int     `json:"session_timeout_ms"`
}

// Conf is the full daemon configuration.
type Conf struct {
	Table       string           `json:"table"`
	Replica     string           `json:"replica"`
	Host        string           `json:"host"`
	Port        int              `json:"port"`
	LogLevel    string           `json:"log_level"`
	Coordinator Coordinator      `json:"coordinator"`
	Policy      Policy           `json:"policy"`
	Schema      tablemeta.Schema `json:"schema"`
}

// Default returns a Conf with every field at a sane default, mirroring
// MakeDefaultConfig in the teacher's etc package.
func Default() Conf {
	return Conf{
		Host:     "127.0.0.1",
		Port:     9181,
		LogLevel: "info",
		Coordinator: Coordinator{
			Servers:          []string{"127.0.0.1:2181"},
			SessionTimeoutMs: 10000,
		},
		Policy: defaultPolicy(),
		Schema: tablemeta.Schema{IndexGranularity: 8192},
	}
}

// Load reads path, overlaying it onto Default().
func Load(path string) (Conf, error) {
	conf := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Conf{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &conf); err != nil {
		return Conf{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if conf.Table == "" {
		return Conf{}, fmt.Errorf("config %s: table is required", path)
	}
	if conf.Replica == "" {
		return Conf{}, fmt.Errorf("config %s: replica is required", path)
	}
	return conf, nil
}

// ReconcilePolicy converts into reconcile's sanity-gate bounds
// (spec.md §4.5).
func (p Policy) ReconcilePolicy() reconcile.Policy {
	return reconcile.Policy{
		MaxToAdd:      p.MaxToAdd,
		MaxUnexpected: p.MaxUnexpected,
		MaxObsolete:   p.MaxObsolete,
		MaxToFetch:    p.MaxToFetch,
	}
}

// LeaderPolicy converts into the leader role's timing and merge-queue
// bounds (spec.md §4.8).
func (p Policy) LeaderPolicy() leader.Policy {
	return leader.Policy{
		MaxReplicatedMergesInQueue:   p.MaxReplicatedMergesInQueue,
		ReplicatedDedupWindow:        p.ReplicatedDedupWindow,
		ReplicatedDedupWindowSeconds: p.ReplicatedDedupWindowSeconds,
		MergeSelectingSleep:          time.Duration(p.MergeSelectingSleepMs) * time.Millisecond,
		DedupGCPeriod:                time.Duration(p.DedupGCPeriodMs) * time.Millisecond,
		BigMergeInputBytes:           p.BigMergeInputBytes,
	}
}

// SupervisorPolicy converts into the session supervisor's timing
// constants (spec.md §4.9) plus the sub-policies its startup() wires
// into the reconciler and leader role.
func (p Policy) SupervisorPolicy() supervisor.Policy {
	return supervisor.Policy{
		SupervisorPoll:   time.Duration(p.SupervisorPollMs) * time.Millisecond,
		QueueUpdateSleep: time.Duration(p.QueueUpdateSleepMs) * time.Millisecond,
		Reconcile:        p.ReconcilePolicy(),
		Leader:           p.LeaderPolicy(),
	}
}

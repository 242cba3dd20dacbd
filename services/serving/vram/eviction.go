// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package vram

import (
	"sort"

	"github.com/AleutianAI/AleutianServe/services/serving/capabilities"
	"github.com/AleutianAI/AleutianServe/services/serving/serveerr"
)

// EvictionStrategy selects victims to free room for an incoming model.
//
// The contract: evicting the returned models, in order, frees at least
// enough manageable VRAM that usage + requiredGB fits under hardLimitGB.
// Returns a MemoryError when no feasible victim set exists.
type EvictionStrategy interface {
	SelectVictims(loaded []LoadedModel, requiredGB, usageGB, hardLimitGB float64) ([]string, error)
}

// priorityLRU is the default strategy:
//
//  1. never evict CRITICAL models
//  2. never evict external models
//  3. prefer lower priority classes first
//  4. within a class, oldest last_accessed first
type priorityLRU struct{}

// NewPriorityLRUStrategy returns the priority-bounded LRU eviction
// strategy.
func NewPriorityLRUStrategy() EvictionStrategy {
	return priorityLRU{}
}

func (priorityLRU) SelectVictims(loaded []LoadedModel, requiredGB, usageGB, hardLimitGB float64) ([]string, error) {
	needGB := usageGB + requiredGB - hardLimitGB
	if needGB <= 0 {
		return nil, nil
	}

	candidates := make([]LoadedModel, 0, len(loaded))
	for _, m := range loaded {
		if m.Priority == capabilities.PriorityCritical || m.IsExternal {
			continue
		}
		candidates = append(candidates, m)
	}
	// Lowest priority class first (LOW before NORMAL before HIGH), then
	// least recently used within a class.
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority > candidates[j].Priority
		}
		return candidates[i].LastAccessed.Before(candidates[j].LastAccessed)
	})

	var victims []string
	var freedGB float64
	for _, m := range candidates {
		if freedGB >= needGB {
			break
		}
		victims = append(victims, m.ModelID)
		freedGB += m.SizeGB
	}
	if freedGB < needGB {
		return nil, &serveerr.MemoryError{
			RequiredGB:  requiredGB,
			AvailableGB: hardLimitGB - usageGB + freedGB,
		}
	}
	return victims, nil
}

// selectEmergencyVictim picks the single globally least-recently-used model
// whose priority class is at or below (numerically >=) maxPriority.
// CRITICAL and external models are excluded unconditionally. Returns nil if
// no model is eligible.
func selectEmergencyVictim(loaded []LoadedModel, maxPriority capabilities.Priority) *LoadedModel {
	var victim *LoadedModel
	for i := range loaded {
		m := &loaded[i]
		if m.Priority == capabilities.PriorityCritical || m.IsExternal {
			continue
		}
		if m.Priority < maxPriority {
			continue
		}
		if victim == nil || m.LastAccessed.Before(victim.LastAccessed) {
			victim = m
		}
	}
	return victim
}

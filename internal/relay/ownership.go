package relay

import (
	"sort"
	"sync"
	"time"
)

type ownerRecord struct {
	userID   string
	lastSeen time.Time
}

// Directory maps nodes to the users that own them.
// A node has at most one owner; recording a new owner moves the node.
type Directory struct {
	mu     sync.RWMutex
	owners map[string]*ownerRecord
	byUser map[string]map[string]struct{}

	// TimeNow is the directory clock. Tests replace it.
	TimeNow func() time.Time
}

// NewDirectory creates an empty ownership directory.
func NewDirectory() *Directory {
	return &Directory{
		owners:  make(map[string]*ownerRecord),
		byUser:  make(map[string]map[string]struct{}),
		TimeNow: time.Now,
	}
}

// RecordOwnership binds nodeID to userID. Calling it again with the same pair
// only refreshes the node's activity time.
func (d *Directory) RecordOwnership(nodeID, userID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.TimeNow()
	if rec, ok := d.owners[nodeID]; ok {
		if rec.userID == userID {
			rec.lastSeen = now
			return
		}
		d.removeFromUserLocked(rec.userID, nodeID)
	}

	d.owners[nodeID] = &ownerRecord{userID: userID, lastSeen: now}
	nodes, ok := d.byUser[userID]
	if !ok {
		nodes = make(map[string]struct{})
		d.byUser[userID] = nodes
	}
	nodes[nodeID] = struct{}{}
}

// OwnerOf returns the user owning nodeID.
func (d *Directory) OwnerOf(nodeID string) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	rec, ok := d.owners[nodeID]
	if !ok {
		return "", false
	}
	return rec.userID, true
}

// NodesOf returns a sorted snapshot of the nodes owned by userID.
// The result is never nil.
func (d *Directory) NodesOf(userID string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	set := d.byUser[userID]
	nodes := make([]string, 0, len(set))
	for id := range set {
		nodes = append(nodes, id)
	}
	sort.Strings(nodes)
	return nodes
}

// Touch marks nodeID as active now. Unknown nodes are ignored.
func (d *Directory) Touch(nodeID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if rec, ok := d.owners[nodeID]; ok {
		rec.lastSeen = d.TimeNow()
	}
}

// Len returns the number of known nodes.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.owners)
}

// Prune removes nodes whose last activity is before cutoff, except those in
// keep. It returns the removed node IDs in sorted order.
func (d *Directory) Prune(cutoff time.Time, keep map[string]bool) []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	var pruned []string
	for nodeID, rec := range d.owners {
		if keep[nodeID] || !rec.lastSeen.Before(cutoff) {
			continue
		}
		delete(d.owners, nodeID)
		d.removeFromUserLocked(rec.userID, nodeID)
		pruned = append(pruned, nodeID)
	}
	sort.Strings(pruned)
	return pruned
}

func (d *Directory) removeFromUserLocked(userID, nodeID string) {
	nodes := d.byUser[userID]
	delete(nodes, nodeID)
	if len(nodes) == 0 {
		delete(d.byUser, userID)
	}
}

package main

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// BoardTreeNode is one explored position inside a session's tree. Children
// are ordered: index 0 is the mainline continuation, the rest are sidelines.
type BoardTreeNode struct {
	ID             string               `json:"id"`
	FEN            string               `json:"fen"`
	ParentID       string               `json:"parent_id,omitempty"`
	Move           string               `json:"move,omitempty"`
	Children       []*BoardTreeNode     `json:"children,omitempty"`
	IsMainlineEdge bool                 `json:"is_mainline_edge"`
	CreatedAt      time.Time            `json:"created_at"`
	Scan           *InvestigationResult `json:"scan,omitempty"`
}

type BoardTree struct {
	Root  *BoardTreeNode `json:"root"`
	nodes map[string]*BoardTreeNode
}

func NewBoardTree(rootFEN string) *BoardTree {
	root := &BoardTreeNode{
		ID:             uuid.NewString(),
		FEN:            rootFEN,
		IsMainlineEdge: true,
		CreatedAt:      time.Now(),
	}
	return &BoardTree{
		Root:  root,
		nodes: map[string]*BoardTreeNode{root.ID: root},
	}
}

func (t *BoardTree) Node(id string) (*BoardTreeNode, bool) {
	node, ok := t.nodes[id]
	return node, ok
}

// AddChild appends a continuation under parentID. A mainline child is placed
// at index 0; sidelines keep insertion order after it.
func (t *BoardTree) AddChild(parentID, move, fen string, mainline bool) (*BoardTreeNode, error) {
	parent, ok := t.nodes[parentID]
	if !ok {
		return nil, fmt.Errorf("board tree: unknown parent %q", parentID)
	}
	node := &BoardTreeNode{
		ID:             uuid.NewString(),
		FEN:            fen,
		ParentID:       parentID,
		Move:           move,
		IsMainlineEdge: mainline,
		CreatedAt:      time.Now(),
	}
	if mainline {
		parent.Children = append([]*BoardTreeNode{node}, parent.Children...)
	} else {
		parent.Children = append(parent.Children, node)
	}
	t.nodes[node.ID] = node
	return node, nil
}

// VariationDepth counts the non-mainline edges between a node and the root:
// how far the node has deviated from the main line. The count can only grow
// when walking away from the root.
func (t *BoardTree) VariationDepth(id string) (int, bool) {
	node, ok := t.nodes[id]
	if !ok {
		return 0, false
	}
	depth := 0
	for node.ParentID != "" {
		if !node.IsMainlineEdge {
			depth++
		}
		parent, ok := t.nodes[node.ParentID]
		if !ok {
			break
		}
		node = parent
	}
	return depth, true
}

func (t *BoardTree) Size() int {
	return len(t.nodes)
}

type boardTreeEntry struct {
	tree       *BoardTree
	lastAccess time.Time
}

// BoardTreeStore caches exploration trees per session within a TTL window.
// Eviction is lazy: every store operation prunes expired entries, so no
// background sweeper is needed. A single coarse lock covers all operations;
// contention is one mutation per session turn.
type BoardTreeStore struct {
	mu      sync.Mutex
	entries map[string]*boardTreeEntry
	ttl     time.Duration
}

func NewBoardTreeStore(ttl time.Duration) *BoardTreeStore {
	if ttl <= 0 {
		ttl = 1800 * time.Second
	}
	return &BoardTreeStore{
		entries: make(map[string]*boardTreeEntry),
		ttl:     ttl,
	}
}

func treeKey(sessionID string, subSessionID *string) string {
	sub := "none"
	if subSessionID != nil && *subSessionID != "" {
		sub = *subSessionID
	}
	return sessionID + ":" + sub
}

func (s *BoardTreeStore) evictExpiredLocked(now time.Time) {
	for key, entry := range s.entries {
		if now.Sub(entry.lastAccess) > s.ttl {
			delete(s.entries, key)
		}
	}
}

// GetTree returns the cached tree and refreshes its last-access time.
func (s *BoardTreeStore) GetTree(sessionID string, subSessionID *string) (*BoardTree, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	s.evictExpiredLocked(now)
	entry, ok := s.entries[treeKey(sessionID, subSessionID)]
	if !ok {
		return nil, false
	}
	entry.lastAccess = now
	return entry.tree, true
}

func (s *BoardTreeStore) SetTree(sessionID string, subSessionID *string, tree *BoardTree) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	s.evictExpiredLocked(now)
	s.entries[treeKey(sessionID, subSessionID)] = &boardTreeEntry{
		tree:       tree,
		lastAccess: now,
	}
}

func (s *BoardTreeStore) DeleteTree(sessionID string, subSessionID *string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictExpiredLocked(time.Now())
	key := treeKey(sessionID, subSessionID)
	if _, ok := s.entries[key]; !ok {
		return false
	}
	delete(s.entries, key)
	return true
}

func (s *BoardTreeStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

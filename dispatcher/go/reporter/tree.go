package reporter

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

// TreeReporter prints a live progress tree to an io.Writer (stderr in the
// cmd/pixi-dispatch harness), grounded on the teacher's convention of
// humanizing durations/sizes in log lines (github.com/dustin/go-humanize).
type TreeReporter struct {
	mu     sync.Mutex
	out    io.Writer
	nextID ID
	nodes  map[ID]*node
}

type node struct {
	kind        TaskKind
	description string
	parent      ID
	started     time.Time
}

// NewTreeReporter returns a TreeReporter writing to out.
func NewTreeReporter(out io.Writer) *TreeReporter {
	return &TreeReporter{out: out, nodes: make(map[ID]*node)}
}

func (t *TreeReporter) OnQueued(kind TaskKind, parent ID, description string) ID {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	id := t.nextID
	t.nodes[id] = &node{kind: kind, description: description, parent: parent}
	fmt.Fprintf(t.out, "%squeued   %s %s\n", indent(t.depth(parent)), kind, description)
	return id
}

func (t *TreeReporter) OnStarted(id ID) {
	t.mu.Lock()
	n, ok := t.nodes[id]
	if ok {
		n.started = time.Now()
	}
	depth := t.depth(id)
	t.mu.Unlock()
	if ok {
		fmt.Fprintf(t.out, "%sstarted  %s %s\n", indent(depth), n.kind, n.description)
	}
}

func (t *TreeReporter) OnFinished(id ID) {
	t.mu.Lock()
	n, ok := t.nodes[id]
	depth := t.depth(id)
	t.mu.Unlock()
	if !ok {
		return
	}
	elapsed := time.Duration(0)
	if !n.started.IsZero() {
		elapsed = time.Since(n.started)
	}
	fmt.Fprintf(t.out, "%sfinished %s %s (%s)\n", indent(depth), n.kind, n.description, humanize.RelTime(time.Now().Add(-elapsed), time.Now(), "", ""))
}

func (t *TreeReporter) OnOutputLine(id ID, line string) {
	t.mu.Lock()
	depth := t.depth(id)
	t.mu.Unlock()
	fmt.Fprintf(t.out, "%s| %s\n", indent(depth), line)
}

func (t *TreeReporter) depth(id ID) int {
	depth := 0
	for id != 0 {
		n, ok := t.nodes[id]
		if !ok {
			break
		}
		id = n.parent
		depth++
	}
	return depth
}

func indent(depth int) string {
	out := ""
	for i := 0; i < depth; i++ {
		out += "  "
	}
	return out
}

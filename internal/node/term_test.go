package node_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/quietmesh/noded/internal/binder"
	"github.com/quietmesh/noded/internal/events"
	"github.com/quietmesh/noded/internal/node"
)

func TestTerminatorClosesTapsAndPostsEvent(t *testing.T) {
	table := node.NewTable()
	sink := events.NewSink(0)
	tap := newFakeTap("ztTest0", 1500)

	table.Lock()
	table.Set(1, &node.NetworkState{NWID: 1, Tap: tap})
	table.Unlock()

	term := &node.Terminator{Table: table, Sink: sink, Binder: binder.New()}
	term.Terminate(node.TerminationNormal, "")

	assert.True(t, tap.closed)
	assert.Empty(t, table.Snapshot())

	msgs := sink.Drain()
	require := assert.New(t)
	require.Len(msgs, 1)
	require.Equal(events.NodeNormalTermination, msgs[0].Code)
}

func TestTerminatorIsIdempotent(t *testing.T) {
	sink := events.NewSink(0)
	term := &node.Terminator{Sink: sink}

	term.Terminate(node.TerminationNormal, "")
	term.Terminate(node.TerminationUnrecoverableError, "second call must be ignored")

	msgs := sink.Drain()
	assert.Len(t, msgs, 1)
	assert.Equal(t, events.NodeNormalTermination, msgs[0].Code)
}

func TestTerminatorUnrecoverableErrorIncludesDetail(t *testing.T) {
	sink := events.NewSink(0)
	term := &node.Terminator{Sink: sink}

	term.Terminate(node.TerminationUnrecoverableError, "boom")

	msgs := sink.Drain()
	require := assert.New(t)
	require.Len(msgs, 1)
	require.Equal(events.NodeUnrecoverableError, msgs[0].Code)
	require.Contains(msgs[0].Message, "boom")
}

func TestTerminatorReasonReportsFired(t *testing.T) {
	term := &node.Terminator{Sink: events.NewSink(0)}
	_, fired := term.Reason()
	assert.False(t, fired)

	term.Terminate(node.TerminationIdentityCollision, "")
	reason, fired := term.Reason()
	assert.True(t, fired)
	assert.Equal(t, node.TerminationIdentityCollision, reason)
}

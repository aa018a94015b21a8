/*
 * Copyright 2019 Dgraph Labs, Inc. and Contributors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package caffeine

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func makeNodes(n int) []*node {
	nodes := make([]*node, n)
	for i := range nodes {
		nodes[i] = &node{keyHash: uint64(i), key: i}
	}
	return nodes
}

func dequeKeys(d *linkedDeque) []int {
	var keys []int
	d.Walk(func(n *node) bool {
		keys = append(keys, n.key.(int))
		return true
	})
	return keys
}

func TestDequePushAndPop(t *testing.T) {
	d := newDeque(accessLinks)
	nodes := makeNodes(3)
	for _, n := range nodes {
		d.PushBack(n)
	}
	require.Equal(t, 3, d.Len())
	require.Equal(t, []int{0, 1, 2}, dequeKeys(d))
	require.Equal(t, nodes[0], d.Front())
	require.Equal(t, nodes[2], d.Back())

	require.Equal(t, nodes[0], d.PopFront())
	require.Equal(t, 2, d.Len())
	require.Equal(t, []int{1, 2}, dequeKeys(d))
}

func TestDequePushFront(t *testing.T) {
	d := newDeque(accessLinks)
	nodes := makeNodes(3)
	for _, n := range nodes {
		d.PushFront(n)
	}
	require.Equal(t, []int{2, 1, 0}, dequeKeys(d))
}

func TestDequeRemove(t *testing.T) {
	d := newDeque(accessLinks)
	nodes := makeNodes(5)
	for _, n := range nodes {
		d.PushBack(n)
	}
	d.Remove(nodes[2]) // middle
	d.Remove(nodes[0]) // head
	d.Remove(nodes[4]) // tail
	require.Equal(t, []int{1, 3}, dequeKeys(d))
	require.Equal(t, 2, d.Len())

	// Removing a detached node is a no-op.
	d.Remove(nodes[2])
	require.Equal(t, 2, d.Len())
}

func TestDequeMove(t *testing.T) {
	d := newDeque(accessLinks)
	nodes := makeNodes(3)
	for _, n := range nodes {
		d.PushBack(n)
	}
	d.MoveToBack(nodes[0])
	require.Equal(t, []int{1, 2, 0}, dequeKeys(d))
	d.MoveToFront(nodes[2])
	require.Equal(t, []int{2, 1, 0}, dequeKeys(d))

	// Moving the node already in place changes nothing.
	d.MoveToBack(nodes[0])
	d.MoveToFront(nodes[2])
	require.Equal(t, []int{2, 1, 0}, dequeKeys(d))
}

// A node threaded through two link sets moves independently in each.
func TestDequeIndependentLinkSets(t *testing.T) {
	access := newDeque(accessLinks)
	write := newDeque(writeLinks)
	nodes := makeNodes(3)
	for _, n := range nodes {
		access.PushBack(n)
		write.PushBack(n)
	}
	access.MoveToBack(nodes[0])
	require.Equal(t, []int{1, 2, 0}, dequeKeys(access))
	require.Equal(t, []int{0, 1, 2}, dequeKeys(write))

	write.Remove(nodes[1])
	require.Equal(t, []int{1, 2, 0}, dequeKeys(access))
	require.Equal(t, []int{0, 2}, dequeKeys(write))
	require.True(t, access.Contains(nodes[1]))
	require.False(t, write.Contains(nodes[1]))
}

func TestDequeSingleElement(t *testing.T) {
	d := newDeque(accessLinks)
	n := &node{key: 1}
	d.PushBack(n)
	require.Equal(t, n, d.Front())
	require.Equal(t, n, d.Back())
	d.Remove(n)
	require.Nil(t, d.Front())
	require.Nil(t, d.Back())
	require.Zero(t, d.Len())
	require.Nil(t, d.PopFront())
}

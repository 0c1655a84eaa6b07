/*
 *	Copyright 2024 The graphrt Authors
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

package graph

import (
	"encoding/gob"
	"io"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"

	"github.com/graphrt/graphrt/types/shapes"
)

// Gob wire format. NodeArg identity (pointer sharing) is preserved by
// numbering every distinct slot and serializing references as numbers.

type gobArg struct {
	Name  string
	DType dtypes.DType
}

type gobAttribute struct {
	Kind   AttributeKind
	Int    int64
	Ints   []int64
	Float  float32
	Floats []float32
	Str    string
}

type gobNode struct {
	Name         string
	OpType       string
	Domain       string
	OpsetVersion int
	Inputs       []int // arg ids, -1 for a detached slot
	Outputs      []int
	Attributes   map[string]gobAttribute
}

type gobGraph struct {
	Name    string
	NumArgs int
	Inputs  []int
	Outputs []int
}

// GobSerialize writes the graph to the given writer in binary format.
// Only live nodes are written: node indices are not preserved across a
// serialization round trip, NodeArg sharing and names are.
func (g *Graph) GobSerialize(w io.Writer) (err error) {
	encoder := gob.NewEncoder(w)
	enc := func(e any) {
		if err != nil {
			return
		}
		err = encoder.Encode(e)
		if err != nil {
			err = errors.Wrapf(err, "failed to serialize graph %q", g.name)
		}
	}

	argIDs := make(map[*NodeArg]int)
	var args []*NodeArg
	argID := func(arg *NodeArg) int {
		if arg == nil {
			return -1
		}
		id, found := argIDs[arg]
		if !found {
			id = len(args)
			argIDs[arg] = id
			args = append(args, arg)
		}
		return id
	}
	argList := func(slots []*NodeArg) []int {
		ids := make([]int, len(slots))
		for i, arg := range slots {
			ids[i] = argID(arg)
		}
		return ids
	}

	var nodes []gobNode
	for _, node := range g.nodes {
		if node == nil {
			continue
		}
		gn := gobNode{
			Name:         node.name,
			OpType:       node.opType,
			Domain:       node.domain,
			OpsetVersion: node.opsetVersion,
			Inputs:       argList(node.inputs),
			Outputs:      argList(node.outputs),
			Attributes:   make(map[string]gobAttribute, len(node.attrs)),
		}
		for name, attr := range node.attrs {
			gn.Attributes[name] = gobAttribute{
				Kind: attr.kind, Int: attr.i, Ints: attr.ints,
				Float: attr.f, Floats: attr.floats, Str: attr.s,
			}
		}
		nodes = append(nodes, gn)
	}
	inputs := argList(g.inputs)
	outputs := argList(g.outputs)

	enc(gobGraph{Name: g.name, NumArgs: len(args), Inputs: inputs, Outputs: outputs})
	enc(len(nodes))
	for _, gn := range nodes {
		enc(gn)
	}
	for _, arg := range args {
		enc(gobArg{Name: arg.name, DType: arg.dtype})
		if err != nil {
			return
		}
		err = arg.shape.GobSerialize(encoder)
		if err != nil {
			return
		}
	}
	return
}

// GobDeserialize reads a graph serialized with GobSerialize. The returned
// graph is unresolved: callers must Resolve before reading it.
func GobDeserialize(r io.Reader) (g *Graph, err error) {
	decoder := gob.NewDecoder(r)
	dec := func(data any) {
		if err != nil {
			return
		}
		err = decoder.Decode(data)
		if err != nil {
			err = errors.Wrapf(err, "failed to deserialize graph")
		}
	}

	var header gobGraph
	dec(&header)
	var numNodes int
	dec(&numNodes)
	if err != nil {
		return nil, err
	}
	nodes := make([]gobNode, numNodes)
	for i := range nodes {
		dec(&nodes[i])
	}
	if err != nil {
		return nil, err
	}
	args := make([]*NodeArg, header.NumArgs)
	for i := range args {
		var ga gobArg
		dec(&ga)
		if err != nil {
			return nil, err
		}
		var shape shapes.Shape
		shape, err = shapes.GobDeserialize(decoder)
		if err != nil {
			return nil, err
		}
		args[i] = NewNodeArg(ga.Name, ga.DType, shape)
	}

	argAt := func(id int) *NodeArg {
		if id < 0 {
			return nil
		}
		return args[id]
	}
	g = New(header.Name)
	for _, id := range header.Inputs {
		g.AddInput(argAt(id))
	}
	for _, id := range header.Outputs {
		g.AddOutput(argAt(id))
	}
	for _, gn := range nodes {
		inputs := make([]*NodeArg, len(gn.Inputs))
		for i, id := range gn.Inputs {
			inputs[i] = argAt(id)
		}
		outputs := make([]*NodeArg, len(gn.Outputs))
		for i, id := range gn.Outputs {
			outputs[i] = argAt(id)
		}
		attrs := make(Attributes, len(gn.Attributes))
		for name, ga := range gn.Attributes {
			attrs[name] = Attribute{
				kind: ga.Kind, i: ga.Int, ints: ga.Ints,
				f: ga.Float, floats: ga.Floats, s: ga.Str,
			}
		}
		_, err = g.AddNode(gn.Name, gn.OpType, inputs, outputs, attrs, gn.Domain, gn.OpsetVersion)
		if err != nil {
			return nil, err
		}
	}
	return g, nil
}

// Package flowgraph implements a streaming dataflow engine for multimodal
// message processing. A caller constructs a directed acyclic graph of
// operators with the fluent Builder, submits the resulting graph to an
// Engine, and the engine drives messages through the graph, operator by
// operator, until every source is exhausted or the graph is stopped.
package flowgraph

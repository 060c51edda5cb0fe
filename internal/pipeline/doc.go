// Package pipeline is the orchestrator core: it turns normalized board
// events into queued stage tasks, executes leased tasks through their stage
// handlers, and routes every failure through a single error sink.
//
// The store's compare-and-set transitions are the only concurrency control;
// duplicate webhook deliveries and racing workers resolve into rejections,
// never corrupted state. The pause for human review is simply the absence of
// further enqueued work until an approval event arrives.
package pipeline

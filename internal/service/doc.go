// Package service holds the application operations that run through the
// task engine. OrderMessenger is the demo operation: sending an order
// message is captured as a task instance and delivered, retried, or
// handed to its fallback by the engine.
package service

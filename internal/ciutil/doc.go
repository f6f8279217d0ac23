// Package ciutil detects CI environments and locates the test database
// from the environment.
package ciutil

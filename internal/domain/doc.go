// Package domain contains the task instance entity, its lifecycle rules
// and the pure scheduling formulas shared by every node: initial and
// retry execute times, due checks and shard index calculation.
// It does not depend on any storage or transport package.
package domain

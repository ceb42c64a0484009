// Package intrinsics evaluates cross-reference markers (Ref, Fn::GetAtt,
// Fn::Join, Fn::Sub, Fn::Select, Fn::If) inside resource property trees
// against the process-wide reference map, bottom-up. References to resources
// that have not registered a concrete name yet resolve to deterministic
// stand-in arns keyed by resource kind.
package intrinsics

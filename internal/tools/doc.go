// Package tools provides the local command runner used by the agent.
//
// Ownership boundary:
// - shell selection and argument shaping
//
// - hard timeout and output cap enforcement
package tools

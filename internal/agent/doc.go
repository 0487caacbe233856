// Package agent contains the cooperating agents of the verification swarm:
// the planner decomposes a task, the executor sends each sub-task to the
// redundant inference network, the validator critiques the aggregate and the
// auditor packages everything into a hash-addressed evidence bundle. Each
// agent call drives one Task through exactly one terminal transition.
package agent

/*
Package conflict resolves write-write conflicts between leaf revisions.

The policy is a total order over the leaves:

 1. the revision with the later logical write timestamp (Revision.UpdatedAt,
    recorded with the body) wins
 2. on an exact tie the lexicographically greater revision token wins

Settings documents are additionally field-merged: every top level field
present in any leaf survives, and the winner's value takes precedence.

Losing revisions are never dropped. Their full bodies are kept in the Record
and the AuditLog. If no leaf carries a valid timestamp the resolver refuses to
guess and returns a ManualRequired record.
*/
package conflict

// Package evidence holds the value types shared by every stage of the evidence
// pipeline: collected artifacts, their flattened tabular form, collection
// warnings, the error taxonomy, and the UTC calendar keys that index the ledger.
package evidence

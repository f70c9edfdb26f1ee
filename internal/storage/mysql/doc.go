// Package mysql provides the connection and schema-migration helpers backing
// the MySQL ledger stores for transactions, batches, and reconciliation.
package mysql

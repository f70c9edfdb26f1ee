// Package chain defines the abstractions used to talk to blockchain
// networks: receipt lookups for reconciliation and raw-transaction batch
// submission. Concrete EVM support lives in the ethereum subpackage.
package chain

// Package store holds the persistence contracts shared by the task storage
// backends, plus the transaction helper and error classifiers they use.
package store

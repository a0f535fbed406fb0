// Package testutils holds fixtures shared by the package tests: a
// directory-backed object store standing in for S3 and a few sample
// messages.
package testutils

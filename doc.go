// Package fragcache implements a fragment cache directory and flush
// coordinator for a dynamic binary translator: an in-memory index
// mapping application instruction addresses ("tags") to translated
// code ("fragments") living in an externally-owned code cache,
// together with the concurrency protocol that keeps the index
// consistent with executing translator threads.
//
// See SPEC_FULL.md for the full module breakdown; in short, package
// table provides the generic open-address hashtable, package fragment
// builds the fragment-specific tables and lifecycle on top of it,
// package ibt provides the lockless indirect-branch-target tables read
// by generated code, package coarse provides the read-optimised
// per-region directory, package pstate holds per-thread state, package
// policy holds return/indirect-branch allow-lists, and package flush
// implements the three-stage flush coordinator. This package ties them
// together behind a single Context.
package fragcache

// Package bpfload contains the shared domain types for the loader:
// program and map specifications, the kind enumerations used to talk
// to the kernel, and the error taxonomy surfaced to callers.
//
// The actual work happens in the subpackages: elfobj parses the
// relocatable object, btf decodes type information, core applies
// CO-RE relocations, sys wraps the kernel entry points, kernel owns
// map/program/link handles, and loader drives the whole pipeline.
package bpfload

// Package klog provides the subsystem-tagged loggers the rest of the VM
// core uses in place of bare fmt.Printf. It is the Go equivalent of the
// mimiker source's "#define KL_LOG KL_VM" + klog() convention
// (original_source/sys/kern/vm_object.c, kmem.c, sys/tests/vm_map.c each
// set their own KL_LOG tag before logging) built on
// github.com/sirupsen/logrus.
package klog

import "github.com/sirupsen/logrus"

// subsysTag mirrors mimiker's KL_* tag enum.
type subsysTag string

const (
	VM    subsysTag = "vm"
	KMEM  subsysTag = "kmem"
	ARENA subsysTag = "arena"
	TEST  subsysTag = "test"
)

var base = logrus.New()

// For returns the logger tagged for the given subsystem, analogous to
// reading KL_LOG in the original source.
func For(tag subsysTag) *logrus.Entry {
	return base.WithField("subsys", string(tag))
}

// SetLevel adjusts the verbosity of every subsystem logger.
func SetLevel(lvl logrus.Level) {
	base.SetLevel(lvl)
}

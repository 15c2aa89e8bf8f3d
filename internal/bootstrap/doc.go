// Package bootstrap orchestrates startup: it acquires every declared plugin
// through its source handler, registers the results, and installs the builtin
// echo pack when no declaration survives loading.
package bootstrap

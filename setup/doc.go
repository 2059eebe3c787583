/*
Package setup owns the lifecycle of the inference server under test: killing
stray server processes from prior runs, launching a worker (or a router
fronting several workers) as supervised child processes, and polling the
health endpoint until the server is ready to accept load.

None of the measurement logic depends on how the server is started; the
sweep only consumes a base URL and a readiness probe.
*/
package setup

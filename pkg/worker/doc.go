/*
Package worker spawns and reaps the ephemeral containers that execute
jobs on worker hosts.

Spawn enforces a fixed contract before any container exists:

 1. The (image, tag) pair must carry an active allowlist entry;
    anything else fails with ErrImageNotAllowed and an audit row.
 2. GPU placement goes through pkg/gpu using the allowlist entry's
    requirements. A gpu-required image with no suitable GPU fails with
    ErrNoGPUAvailable.
 3. The container config is non-negotiable: ephemeral labels carrying
    run/job/task ids, exactly two mounts (run logs read-write, uploads
    read-only), bridge network, 4 GiB memory cap with swap disabled,
    and a device request when a GPU was selected.

Every lifecycle event, including refused spawns, appends a WorkerAudit
row. Stop recovers the GPU id from the container's labels, stops with a
timeout, removes, and releases the GPU slot. CleanupOrphans sweeps
exited ephemeral containers across healthy hosts so crashes cannot leak
containers or GPU slots.
*/
package worker

/*
Package runtime wraps the Docker Engine API behind the small Runtime
interface the worker orchestrator needs.

	┌──────────────┐     Factory      ┌───────────────┐
	│ worker       │ ───────────────► │ DockerRuntime │
	│ orchestrator │                  │  (per host)   │
	└──────────────┘                  └───────┬───────┘
	                                          │ unix socket, tcp,
	                                          │ or ssh tunnel
	                                    ┌─────▼─────┐
	                                    │  dockerd  │
	                                    └───────────┘

One Runtime is built per worker host via ForHost. Local socket hosts
connect over the unix socket in BaseURL. Remote TCP hosts connect
directly, or through an SSH tunnel when the host record carries tunnel
config; the tunnel dials through golang.org/x/crypto/ssh and is closed
together with the client.

The interface covers only what spawning and reaping ephemeral workers
needs: create, start, list by label, logs, stop, remove, ping. Resource
limits, bind mounts, labels and GPU device requests are passed in the
ContainerSpec by the caller; the runtime applies them and adds nothing.
*/
package runtime

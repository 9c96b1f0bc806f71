/*
Package core exposes the operator-facing operations as a service
struct: creating schedules, launching runs and agents, cancellation,
reports. An API layer translates its transport into these calls; the
background loops live in pkg/scheduler, pkg/dispatcher and pkg/agent.

LaunchRun checks host availability before creating anything, so a
fleet with no usable host rejects the launch without leaving a Run row
behind.
*/
package core

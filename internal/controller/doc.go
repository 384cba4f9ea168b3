// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


/*
Package controller assembles a runrelay process from its subsystems.

A Controller owns the shared pieces (logging, telemetry, the event broker,
and token validation) and builds the run plane on demand:

  - backend: run records (memory, sqlite, or postgres)
  - runner: drives chain executions and publishes their events
  - queue: holds pending runs for the worker pool
  - jobs and protection: scale-in protection while runs are active
  - attach: awaits or streams a run's events over SSE
  - api: the HTTP surface for starting, attaching to, and stopping runs
  - realtime: the websocket notifier for workspace rooms

# Usage

	ctrl, err := controller.New(ctx, cfg, controller.Options{Version: version})
	if err != nil {
	    return err
	}
	defer ctrl.Close(context.Background())

	// Blocks until ctx is cancelled, then drains active runs.
	return ctrl.Serve(ctx)

The notifier runs as its own process with ServeNotifier. It shares only
the broker with the API processes.

# Shutdown

When the serving context ends the controller stops accepting runs, waits up
to server.drain_timeout for active runs, cancels whatever is left, and then
shuts the HTTP server down within server.shutdown_timeout. Runs still queued
locally stay pending in the store.
*/
package controller

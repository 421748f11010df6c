// Shoal is a Redfish aggregator service.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package sandbox

import (
	"context"
	"os"
	"testing"
	"time"
)

func TestRunChildCollectsFramesAndExits(t *testing.T) {
	runner := writeRunner(t)
	dir := t.TempDir()

	var frames []timelineFrame
	res := runChild(context.Background(), "task-x", runner, nil, dir,
		append(os.Environ(), "FLEETAGENT_TEST_EXPORT=testPass"),
		5*time.Second, 0, 0, func(f timelineFrame) { frames = append(frames, f) })

	if res.ExitErr != nil {
		t.Errorf("expected clean exit, got %v", res.ExitErr)
	}
	if res.TimedOut {
		t.Error("did not expect a timeout")
	}
	if len(frames) != 1 || frames[0].Type != "result" {
		t.Errorf("expected one result frame, got %+v", frames)
	}
}

func TestRunChildTimesOut(t *testing.T) {
	runner := writeRunner(t)
	dir := t.TempDir()

	res := runChild(context.Background(), "task-y", runner, nil, dir,
		append(os.Environ(), "FLEETAGENT_TEST_EXPORT=testSleep"),
		100*time.Millisecond, 0, 0, nil)

	if !res.TimedOut {
		t.Error("expected the sleeping child to time out")
	}
}

func TestBuildChildEnvMasksPrefixedNames(t *testing.T) {
	os.Setenv("FLEETAGENT_WORKER_TOKEN", "super-secret")
	t.Cleanup(func() { os.Unsetenv("FLEETAGENT_WORKER_TOKEN") })

	env := buildChildEnv(map[string]string{"MY_VAR": "v"}, map[string]string{"MY_SECRET": "s"}, []string{"FLEETAGENT_"})

	for _, kv := range env {
		if len(kv) >= len("FLEETAGENT_") && kv[:len("FLEETAGENT_")] == "FLEETAGENT_" {
			t.Errorf("expected FLEETAGENT_-prefixed vars to be masked, found %q", kv)
		}
	}
	foundVar, foundSecret := false, false
	for _, kv := range env {
		if kv == "MY_VAR=v" {
			foundVar = true
		}
		if kv == "MY_SECRET=s" {
			foundSecret = true
		}
	}
	if !foundVar || !foundSecret {
		t.Errorf("expected declared vars and secrets to be present, got %v", env)
	}
}

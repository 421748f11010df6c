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

package heartbeat

import (
	"os"
	"strconv"
	"strings"

	"fleetagent/internal/client"
)

// CollectSystemInfo reads the host's load averages, memory totals, and
// uptime from procfs. ok is false when the host doesn't expose them
// (non-Linux), in which case the heartbeat omits the snapshot rather
// than sending zeros.
func CollectSystemInfo() (client.SystemInfo, bool) {
	var info client.SystemInfo
	any := false

	if data, err := os.ReadFile("/proc/loadavg"); err == nil {
		fields := strings.Fields(string(data))
		if len(fields) >= 3 {
			info.LoadAvg1, _ = strconv.ParseFloat(fields[0], 64)
			info.LoadAvg5, _ = strconv.ParseFloat(fields[1], 64)
			info.LoadAvg15, _ = strconv.ParseFloat(fields[2], 64)
			any = true
		}
	}

	if data, err := os.ReadFile("/proc/meminfo"); err == nil {
		total, free := parseMeminfo(string(data))
		if total > 0 {
			info.MemTotal = total
			info.MemFree = free
			any = true
		}
	}

	if data, err := os.ReadFile("/proc/uptime"); err == nil {
		fields := strings.Fields(string(data))
		if len(fields) >= 1 {
			if sec, err := strconv.ParseFloat(fields[0], 64); err == nil {
				info.UptimeSec = int64(sec)
				any = true
			}
		}
	}

	return info, any
}

// parseMeminfo extracts MemTotal and MemAvailable (both reported in
// kB) from /proc/meminfo contents, returned in bytes.
func parseMeminfo(meminfo string) (total, available int64) {
	for _, line := range strings.Split(meminfo, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		kb, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			total = kb * 1024
		case "MemAvailable:":
			available = kb * 1024
		}
	}
	return total, available
}

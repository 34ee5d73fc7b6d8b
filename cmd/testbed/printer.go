package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/docker/go-units"
	"github.com/olekukonko/tablewriter"

	"github.com/cochaviz/testbed/internal/allocation"
	"github.com/cochaviz/testbed/internal/experiment"
	"github.com/cochaviz/testbed/internal/profiles"
	"github.com/cochaviz/testbed/internal/setup"
)

// printTableOfContainers writes one row per container of a prepared run.
func printTableOfContainers(writer io.Writer, prep *experiment.Prepared) {
	table := tablewriter.NewWriter(writer)

	table.SetHeader([]string{"ID", "Name", "IP", "Role", "Device", "Cores", "CPU Set", "Memory", "Network", "Image"})
	table.SetAutoWrapText(false)

	for _, c := range prep.Topology.Containers {
		role := c.Role
		if role == "" {
			role = "(idle)"
		}
		table.Append([]string{
			strconv.Itoa(c.ID),
			c.Name,
			c.IP,
			role,
			c.Device.Name,
			formatCores(c.CPU),
			c.Resources.CpusetCpus,
			formatBytes(c.Device.RAMBytes, c.Device.Unconstrained),
			formatLink(c.Network),
			c.Image,
		})
	}

	table.Render()
}

// printTableOfRoles writes the roles in execution order.
func printTableOfRoles(writer io.Writer, prep *experiment.Prepared) {
	table := tablewriter.NewWriter(writer)

	table.SetHeader([]string{"Order", "Role", "Containers", "Waits", "Delay", "Command"})
	table.SetAutoWrapText(false)
	table.SetColWidth(60)

	for i, role := range prep.Plan.Roles {
		ids := make([]string, 0, len(role.ContainerIDs))
		for _, id := range role.ContainerIDs {
			ids = append(ids, strconv.Itoa(id))
		}
		table.Append([]string{
			strconv.Itoa(i + 1),
			role.Name,
			strings.Join(ids, ","),
			strconv.FormatBool(role.WaitForCompletion),
			role.StartupDelay.String(),
			role.CommandTemplate,
		})
	}

	table.Render()
}

func printAllocationSummary(writer io.Writer, s allocation.Summary) {
	fmt.Fprintf(writer, "allocation: %s, %d of %d host cores demanded (%.0f%%), mean %.2f, stddev %.2f\n",
		s.Outcome, s.TotalDemand, s.HostCores, s.Utilization*100, s.DemandMean, s.DemandStdDev)
}

// printTableOfDevices lists the device profiles of t in definition order.
func printTableOfDevices(writer io.Writer, t *profiles.Table) error {
	table := tablewriter.NewWriter(writer)

	table.SetHeader([]string{"Device", "Cores", "Memory", "Frequency", "Single Core Score", "Description"})
	table.SetAutoWrapText(false)

	for _, name := range t.DeviceNames() {
		d, err := t.Device(name)
		if err != nil {
			return err
		}
		table.Append([]string{
			name,
			strconv.Itoa(d.Cores),
			formatBytes(d.RAMBytes, d.Unconstrained),
			fmt.Sprintf("%.0f MHz", d.FrequencyMHz),
			fmt.Sprintf("%.0f", d.SingleCoreScore),
			t.Description(name),
		})
	}

	table.Render()
	return nil
}

// printTableOfNetworks lists the network profiles of t with typical values.
func printTableOfNetworks(writer io.Writer, t *profiles.Table) error {
	table := tablewriter.NewWriter(writer)

	table.SetHeader([]string{"Network", "Bandwidth", "Delay", "Jitter", "Loss", "Description"})
	table.SetAutoWrapText(false)

	for _, name := range t.NetworkNames() {
		n, err := t.Network(name)
		if err != nil {
			return err
		}
		bandwidth := "unlimited"
		if n.BandwidthMbps > 0 {
			bandwidth = fmt.Sprintf("%g Mbit/s", n.BandwidthMbps)
		}
		table.Append([]string{
			name,
			bandwidth,
			fmt.Sprintf("%g ms", n.DelayMS),
			fmt.Sprintf("%g ms", n.JitterMS),
			fmt.Sprintf("%g%%", n.LossPercent),
			t.Description(name),
		})
	}

	table.Render()
	return nil
}

// printTableOfChecks writes the outcome of setup verification.
func printTableOfChecks(writer io.Writer, checks []setup.Check) {
	table := tablewriter.NewWriter(writer)

	table.SetHeader([]string{"Check", "Status", "Detail"})
	table.SetAutoWrapText(false)

	for _, c := range checks {
		status := "ok"
		switch {
		case !c.OK && c.Required:
			status = "FAILED"
		case !c.OK:
			status = "warning"
		}
		table.Append([]string{c.Name, status, c.Detail})
	}

	table.Render()
}

func formatCores(a allocation.Assignment) string {
	if a.Unconstrained {
		return "host"
	}
	return fmt.Sprintf("%.2f", a.CPUs)
}

func formatBytes(n int64, unconstrained bool) string {
	if unconstrained || n <= 0 {
		return "host"
	}
	return units.BytesSize(float64(n))
}

func formatLink(n profiles.NetworkProfile) string {
	if n.Unconstrained || !n.Shaped() {
		return "unshaped"
	}
	parts := []string{n.Name}
	if n.BandwidthMbps > 0 {
		parts = append(parts, fmt.Sprintf("%gMbit", n.BandwidthMbps))
	}
	if n.DelayMS > 0 {
		parts = append(parts, fmt.Sprintf("%gms", n.DelayMS))
	}
	if n.LossPercent > 0 {
		parts = append(parts, fmt.Sprintf("%g%%", n.LossPercent))
	}
	return strings.Join(parts, " ")
}

package config

import (
	"strconv"
	"strings"
	"time"

	"github.com/cochaviz/testbed/internal/plan"
)

// DefaultProtocol is the transport of files that do not name one.
const DefaultProtocol = "grpc"

const clientStartupDelay = 20 * time.Second

// FLConfig holds the federated-learning keys older experiment files keep at
// the top level. They become template variables, and when application.roles
// is empty they parameterize a default server and client role.
type FLConfig struct {
	ExperimentName string `yaml:"experiment_name"`

	Protocol        Scalar `yaml:"protocol"`
	Port            Scalar `yaml:"port"`
	FLMethod        Scalar `yaml:"fl_method"`
	Alpha           Scalar `yaml:"alpha"`
	Rounds          Scalar `yaml:"rounds"`
	MaxTime         Scalar `yaml:"max_time"`
	Epochs          Scalar `yaml:"epochs"`
	MinClients      Scalar `yaml:"min_clients"`
	NumClient       Scalar `yaml:"num_client"`
	ClientSelection Scalar `yaml:"client_selection"`
	PartsDataset    Scalar `yaml:"parts_dataset"`
	AsofedBeta      Scalar `yaml:"asofed_beta"`

	// ServerConfig may carry min_client_to_start and client_round,
	// ClientConfig may carry epochs.
	ServerConfig Scalars `yaml:"server_config"`
	ClientConfig Scalars `yaml:"client_config"`
}

type variable struct {
	name  string
	value Scalar
}

func (c *FLConfig) variables() []variable {
	return []variable{
		{"protocol", c.Protocol},
		{"port", c.Port},
		{"fl_method", c.FLMethod},
		{"alpha", c.Alpha},
		{"rounds", c.Rounds},
		{"max_time", c.MaxTime},
		{"epochs", c.Epochs},
		{"min_clients", c.MinClients},
		{"num_client", c.NumClient},
		{"client_selection", c.ClientSelection},
		{"parts_dataset", c.PartsDataset},
		{"asofed_beta", c.AsofedBeta},
		{"min_clients", Scalar(c.ServerConfig["min_client_to_start"])},
		{"num_client", Scalar(c.ServerConfig["client_round"])},
		{"epochs", Scalar(c.ClientConfig["epochs"])},
	}
}

// runArgs are passed as --<name> <value> to both default roles, in this order.
var runArgs = []string{
	"protocol", "rounds", "max_time", "fl_method", "alpha", "min_clients",
	"num_client", "epochs", "client_selection", "parts_dataset", "asofed_beta",
}

// DefaultPort is the well-known port of a protocol, 50051 when unknown.
func DefaultPort(protocol string) int {
	switch strings.ToLower(protocol) {
	case "tcp", "rest":
		return 80
	case "coap":
		return 5683
	case "mqtt":
		return 1883
	case "websocket":
		return 8080
	case "amqp":
		return 5672
	}
	return 50051
}

// UsesDefaultRoles reports whether the file defines no roles and runs the
// default server and client instead.
func (f *File) UsesDefaultRoles() bool {
	return len(f.Application.Roles) == 0
}

func extraArgs(vars map[string]string) string {
	var parts []string
	for _, name := range runArgs {
		if v, ok := vars[name]; ok && v != "" {
			parts = append(parts, "--"+name+" "+v)
		}
	}
	return strings.Join(parts, " ")
}

// defaultRoles are container 0 serving and every other container joining it.
func defaultRoles(vars map[string]string) []plan.RoleDefinition {
	server := "python3 -u run.py --protocol {protocol} --mode Server --port {port} --ip {container_ip} --index {container_id}"
	client := "python3 -u run.py --protocol {protocol} --mode Client --my_ip {container_ip} --port {port} --ip {server_ip} --index {container_id}"
	if args := vars["extra_args"]; args != "" {
		server += " " + args
		client += " " + args
	}
	return []plan.RoleDefinition{
		{
			Name:        "server",
			Selector:    plan.IDs(0),
			Command:     server,
			Description: "FL parameter server",
		},
		{
			Name:         "client",
			Selector:     plan.AllExcept("server"),
			Command:      client,
			Description:  "FL client",
			StartupDelay: clientStartupDelay,
		},
	}
}

func setDefault(vars map[string]string, name, value string) {
	if _, ok := vars[name]; !ok && value != "" {
		vars[name] = value
	}
}

func fillDefaultRoleVariables(vars map[string]string) {
	setDefault(vars, "protocol", DefaultProtocol)
	setDefault(vars, "port", strconv.Itoa(DefaultPort(vars["protocol"])))
	vars["extra_args"] = extraArgs(vars)
}

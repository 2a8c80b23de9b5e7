// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package axesflags provides flag support for bigaxes command line
// applications: the system hosting the ranks, the size of the group,
// the default schedule, and status and trace output.
package axesflags

import (
	"flag"
	"fmt"
	"io"
	"os"
	"os/user"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/grailbio/base/cmdutil"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigaxes"
	"github.com/grailbio/bigaxes/exec"
	"github.com/grailbio/bigmachine"
	"github.com/grailbio/bigmachine/ec2system"
)

var (
	mu        sync.Mutex
	providers = map[string]Provider{} // protected by mu
	profiles  = map[string]string{}   // protected by mu
)

// A Provider provides the system that hosts a session's ranks. It is
// configured by options of the form key=val.
type Provider interface {
	// Name returns the name of the provider.
	Name() string
	// Set sets an option of the provider, given as key=val.
	Set(string) error
	// ExecOption returns the exec.Option that configures a session to
	// use the system as currently configured.
	ExecOption() exec.Option
	// DefaultRanks returns the default number of ranks for this
	// provider.
	DefaultRanks() int
}

// RegisterSystemProvider registers a system provider under the
// provided name.
func RegisterSystemProvider(name string, provider Provider) {
	mu.Lock()
	defer mu.Unlock()
	if _, present := providers[name]; present {
		log.Panicf("system %s is already registered", name)
	}
	providers[name] = provider
}

// RegisterSystemProfile registers a named shorthand for a system and
// its options. For example, after
//
//	axesflags.RegisterSystemProfile("big", "ec2:instance=m5.24xlarge")
//
// the flag value -system=big is equivalent to
// -system=ec2:instance=m5.24xlarge.
func RegisterSystemProfile(name, profile string) {
	mu.Lock()
	defer mu.Unlock()
	if _, present := providers[name]; present {
		log.Panicf("profile %s is already used as a provider name", name)
	}
	if _, present := profiles[name]; present {
		log.Panicf("profile %s is already registered", name)
	}
	profiles[name] = profile
}

// ProvidersAndProfiles returns the names of the registered providers,
// sorted, and the registered profiles.
func ProvidersAndProfiles() ([]string, map[string]string) {
	mu.Lock()
	defer mu.Unlock()
	prv := make([]string, 0, len(providers))
	for k := range providers {
		prv = append(prv, k)
	}
	sort.Strings(prv)
	prf := make(map[string]string, len(profiles))
	for k, v := range profiles {
		prf[k] = v
	}
	return prv, prf
}

func noOptions(provider, opt string) error {
	return errors.E(errors.Invalid, fmt.Sprintf("the %s system provider does not support any configuration (got %q)", provider, opt))
}

// Internal provides ranks that run as goroutines of the calling
// process.
type Internal struct{}

// Name implements Provider.
func (*Internal) Name() string { return "internal" }

// Set implements Provider.
func (*Internal) Set(opt string) error { return noOptions("internal", opt) }

// ExecOption implements Provider.
func (*Internal) ExecOption() exec.Option { return exec.Local }

// DefaultRanks implements Provider.
func (*Internal) DefaultRanks() int { return runtime.GOMAXPROCS(0) }

// Local provides ranks that run as separate processes on the local
// machine.
type Local struct{}

// Name implements Provider.
func (*Local) Name() string { return "local" }

// Set implements Provider.
func (*Local) Set(opt string) error { return noOptions("local", opt) }

// ExecOption implements Provider.
func (*Local) ExecOption() exec.Option { return exec.Bigmachine(bigmachine.Local) }

// DefaultRanks implements Provider.
func (*Local) DefaultRanks() int { return runtime.GOMAXPROCS(0) }

// EC2 provides ranks that run on AWS EC2 instances, one rank per
// instance.
type EC2 struct {
	Options map[string]interface{}
}

// Name implements Provider.
func (*EC2) Name() string { return "EC2" }

// Set implements Provider.
func (ec2 *EC2) Set(v string) error {
	if ec2.Options == nil {
		ec2.Options = make(map[string]interface{}, 5)
	}
	parts := strings.Split(v, "=")
	if len(parts) != 2 {
		return errors.E(errors.Invalid, fmt.Sprintf("not in key=val format %q", v))
	}
	key, val := parts[0], parts[1]
	switch key {
	case "dataspace", "rootsize":
		i, err := strconv.ParseUint(val, 10, 64)
		if err != nil {
			return errors.E(errors.Invalid, fmt.Sprintf("%s: not an int: %v", key, val))
		}
		ec2.Options[key] = uint(i)
	case "instance", "profile":
		ec2.Options[key] = val
	case "ondemand":
		b, err := strconv.ParseBool(val)
		if err != nil {
			return errors.E(errors.Invalid, fmt.Sprintf("%s: not a bool: %v", key, val))
		}
		ec2.Options[key] = b
	default:
		return errors.E(errors.Invalid, fmt.Sprintf("unsupported option: %v", key))
	}
	return nil
}

// DefaultRanks implements Provider.
func (*EC2) DefaultRanks() int { return 4 }

// System returns the ec2system.System configured by the provider's
// options.
func (ec2 *EC2) System() *ec2system.System {
	system := &ec2system.System{Username: "unknown"}
	if u, err := user.Current(); err == nil {
		system.Username = u.Username
	} else {
		log.Printf("ec2: get current user: %v", err)
	}
	for key, val := range ec2.Options {
		switch key {
		case "instance":
			system.InstanceType = val.(string)
		case "dataspace":
			system.Dataspace = val.(uint)
		case "rootsize":
			system.Diskspace = val.(uint)
		case "profile":
			system.InstanceProfile = val.(string)
		case "ondemand":
			system.OnDemand = val.(bool)
		}
	}
	return system
}

// ExecOption implements Provider.
func (ec2 *EC2) ExecOption() exec.Option {
	return exec.Bigmachine(ec2.System())
}

func init() {
	RegisterSystemProvider("internal", &Internal{})
	RegisterSystemProvider("local", &Local{})
	RegisterSystemProvider("ec2", &EC2{})
}

// SystemHelpShort is a short explanation of the allowed SystemFlag
// values.
func SystemHelpShort(prefix string) string {
	const format = `the system hosting the ranks: {internal,local,ec2:[key=val,],profile}; see -%s`
	return fmt.Sprintf(format, prefix+"system-help")
}

// SystemHelpLong is a complete explanation of the allowed SystemFlag
// values.
const SystemHelpLong = `A bigaxes system is specified as follows:

<system-type>:<options> where options is [key=value,]+

The supported systems and their options are:

internal: each rank is a goroutine of the calling process; the default.
local: each rank is a separate process on the local machine.
ec2: each rank is an AWS EC2 instance. The supported options are:
	instance=<AWS instance type> - the instance type, e.g. m5.xlarge
	dataspace=<number> - size of the data volume in GiB
	rootsize=<number> - size of the root volume in GiB
	ondemand=<bool> - use on-demand rather than spot instances
	profile=<name> - the instance profile to use instead of the default

Applications may also register profiles: names that stand for one of
the above along with its options.
`

// SystemFlag is a flag.Value that selects a system provider and its
// options.
type SystemFlag struct {
	Provider  Provider
	Options   []string
	Specified bool
}

// String implements flag.Value.
func (sys *SystemFlag) String() string {
	if sys.Provider == nil {
		return ""
	}
	if len(sys.Options) == 0 {
		return sys.Provider.Name()
	}
	return fmt.Sprintf("%v:%v", sys.Provider.Name(), strings.Join(sys.Options, ","))
}

// Set implements flag.Value.
func (sys *SystemFlag) Set(v string) error {
	parse := func(s string) (name string, options []string) {
		parts := strings.SplitN(s, ":", 2)
		name = parts[0]
		if len(parts) > 1 {
			options = strings.Split(parts[1], ",")
		}
		return
	}
	name, options := parse(v)
	mu.Lock()
	if profile, ok := profiles[name]; ok {
		var profileOptions []string
		name, profileOptions = parse(profile)
		options = append(profileOptions, options...)
	}
	provider, ok := providers[name]
	mu.Unlock()
	if !ok {
		return errors.E(errors.Invalid, fmt.Sprintf("unsupported system or profile: %v", name))
	}
	for _, opt := range options {
		if err := provider.Set(opt); err != nil {
			return err
		}
	}
	sys.Options = options
	sys.Provider = provider
	sys.Specified = true
	return nil
}

// Get implements flag.Getter.
func (sys *SystemFlag) Get() interface{} {
	return sys.String()
}

// ScheduleFlag is a flag.Value that selects a schedule.
type ScheduleFlag struct {
	bigaxes.Schedule
	Specified bool
}

// Set implements flag.Value.
func (s *ScheduleFlag) Set(v string) error {
	if err := s.Schedule.Set(v); err != nil {
		return err
	}
	s.Specified = true
	return nil
}

// Flags holds the flags that configure a bigaxes command.
type Flags struct {
	System        SystemFlag
	SystemHelp    bool
	Ranks         int
	Parallelism   int
	Schedule      ScheduleFlag
	HTTPAddress   cmdutil.NetworkAddressFlag
	ConsoleStatus bool
	TracePath     string
	fs            *flag.FlagSet
}

// Output returns the io.Writer to which help and usage messages
// should be printed.
func (bf *Flags) Output() io.Writer {
	if bf.fs == nil {
		return os.Stderr
	}
	if wr := bf.fs.Output(); wr != nil {
		return wr
	}
	return os.Stderr
}

// Defaults holds the default values of the flags.
type Defaults struct {
	System        string
	Ranks         int
	Schedule      bigaxes.Schedule
	HTTPAddress   string
	ConsoleStatus bool
}

// RegisterFlags registers the bigaxes flags with the supplied flag
// set, each name prefixed by prefix.
func RegisterFlags(fs *flag.FlagSet, bf *Flags, prefix string) {
	RegisterFlagsWithDefaults(fs, bf, prefix, Defaults{
		System:      "internal",
		Schedule:    bigaxes.Static,
		HTTPAddress: ":3333",
	})
}

// RegisterFlagsWithDefaults is like RegisterFlags, with the provided
// defaults.
func RegisterFlagsWithDefaults(fs *flag.FlagSet, bf *Flags, prefix string, defaults Defaults) {
	fs.Var(&bf.System, prefix+"system", SystemHelpShort(prefix))
	if err := bf.System.Set(defaults.System); err != nil {
		log.Panicf("axesflags: default system %q: %v", defaults.System, err)
	}
	bf.System.Specified = false
	fs.BoolVar(&bf.SystemHelp, prefix+"system-help", false, "provide help on system providers and profiles")
	fs.IntVar(&bf.Ranks, prefix+"ranks", defaults.Ranks, "number of ranks; 0 requests the system's default")
	fs.IntVar(&bf.Parallelism, prefix+"parallelism", 0, "maximum number of concurrent task invocations for internal systems; 0 is unlimited")
	bf.Schedule.Schedule = defaults.Schedule
	fs.Var(&bf.Schedule, prefix+"schedule", "default schedule: static or dynamic")
	fs.Var(&bf.HTTPAddress, prefix+"http", "address of http status server")
	bf.HTTPAddress.Set(defaults.HTTPAddress)
	bf.HTTPAddress.Specified = false
	fs.BoolVar(&bf.ConsoleStatus, prefix+"console-status", defaults.ConsoleStatus, "print status to stdout")
	fs.StringVar(&bf.TracePath, prefix+"trace", "", "path to which a trace of the session's runs is written on shutdown")
	bf.fs = fs
}

// ExecOptions returns the exec.Options that configure a session as
// specified by the flags.
func (bf *Flags) ExecOptions() ([]exec.Option, error) {
	if bf.System.Provider == nil {
		return nil, errors.E(errors.Invalid, "no system specified")
	}
	var sessStatus status.Status
	// Ensure bigmachine's group is displayed first.
	_ = sessStatus.Group(exec.BigmachineStatusGroup)
	_ = sessStatus.Groups()

	options := []exec.Option{
		exec.Status(&sessStatus),
		bf.System.Provider.ExecOption(),
		exec.DefaultSchedule(bf.Schedule.Schedule),
	}
	switch {
	case bf.Ranks > 0:
		options = append(options, exec.Ranks(bf.Ranks))
	case bf.Ranks == 0:
		options = append(options, exec.Ranks(bf.System.Provider.DefaultRanks()))
	default:
		return nil, errors.E(errors.Invalid, fmt.Sprintf("invalid number of ranks %d", bf.Ranks))
	}
	if bf.Parallelism > 0 {
		options = append(options, exec.Parallelism(bf.Parallelism))
	}
	if bf.TracePath != "" {
		options = append(options, exec.TracePath(bf.TracePath))
	}
	return options, nil
}

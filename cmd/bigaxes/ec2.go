// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/aws/aws-sdk-go/service/ec2/ec2iface"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/must"
	"github.com/grailbio/bigaxes/axesconfig"

	// Registered so that the written profile shows their defaults.
	_ "github.com/grailbio/base/config/aws"
	_ "github.com/grailbio/bigaxes/exec"
	_ "github.com/grailbio/bigmachine/ec2system"
)

func setupEC2Usage(flags *flag.FlagSet) {
	fmt.Fprint(os.Stderr, `usage: bigaxes setup-ec2 [-securitygroup name] [-instance type]

Command setup-ec2 sets up a security group so that Bigaxes ranks can
run on AWS EC2, and writes the resulting configuration to `, axesconfig.Path, `.
An existing configuration is modified in place.

If a security group with the given name already exists, it is reused.
A new group admits:

	all traffic within the default VPC
	inbound SSH connections
	inbound HTTPS connections, on which machines talk to each other

The flags are:
`)
	flags.PrintDefaults()
	os.Exit(2)
}

func setupEC2Cmd(args []string) {
	var (
		flags         = flag.NewFlagSet("bigaxes setup-ec2", flag.ExitOnError)
		securityGroup = flags.String("securitygroup", "bigaxes", "name of the security group to set up")
		instance      = flags.String("instance", "m5.xlarge", "EC2 instance type of each rank")
	)
	flags.Usage = func() { setupEC2Usage(flags) }
	must.Nil(flags.Parse(args))
	if flags.NArg() != 0 {
		flags.Usage()
	}

	profile, err := loadProfile(axesconfig.Path)
	must.Nil(err, "reading ", axesconfig.Path)
	if region, ok := profile.Get("aws/env.region"); ok && len(region) > 0 {
		must.Nil(profile.Set("bigmachine/ec2system.default-region", strings.Trim(region, `"`)))
	}
	if v, ok := profile.Get("bigmachine/ec2system.security-group"); ok && v != `""` {
		log.Printf("ec2 security group %s already configured", v)
	} else {
		sess, err := session.NewSession()
		must.Nil(err, "setting up AWS session")
		ident, err := setupSecurityGroup(ec2.New(sess), *securityGroup)
		must.Nil(err, "setting up security group")
		must.Nil(profile.Set("bigmachine/ec2system.security-group", ident))
		log.Printf("set up security group %s", ident)
	}
	must.Nil(profile.Set("bigaxes.system", "bigmachine/ec2system"))
	must.Nil(profile.Set("bigmachine/ec2system.instance", *instance))
	must.Nil(os.MkdirAll(filepath.Dir(axesconfig.Path), 0777))
	must.Nil(writeProfile(profile, axesconfig.Path))
	log.Printf("wrote configuration to %s", axesconfig.Path)
}

// setupSecurityGroup returns the identifier of the security group
// with the provided name, creating it in the account's default VPC
// if it does not exist.
func setupSecurityGroup(svc ec2iface.EC2API, name string) (string, error) {
	describeResp, err := svc.DescribeSecurityGroups(&ec2.DescribeSecurityGroupsInput{
		Filters: []*ec2.Filter{{
			Name:   aws.String("group-name"),
			Values: []*string{aws.String(name)},
		}},
	})
	if err != nil {
		return "", errors.E(errors.Unavailable, fmt.Sprintf("query security group %s", name), err)
	}
	if len(describeResp.SecurityGroups) > 0 {
		id := aws.StringValue(describeResp.SecurityGroups[0].GroupId)
		log.Printf("found existing security group %s", id)
		return id, nil
	}
	vpcResp, err := svc.DescribeVpcs(&ec2.DescribeVpcsInput{
		Filters: []*ec2.Filter{{
			Name:   aws.String("isDefault"),
			Values: []*string{aws.String("true")},
		}},
	})
	if err != nil {
		return "", errors.E(errors.Unavailable, "retrieve default VPC", err)
	}
	switch len(vpcResp.Vpcs) {
	case 0:
		return "", errors.E(errors.NotExist,
			"AWS account does not have a default VPC and requires manual setup; "+
				"see https://docs.aws.amazon.com/vpc/latest/userguide/default-vpc.html#create-default-vpc")
	case 1:
	default:
		return "", errors.E(errors.Invalid, "AWS account has multiple default VPCs; needs manual setup")
	}
	vpc := vpcResp.Vpcs[0]
	log.Printf("creating security group %s in default VPC %s", name, aws.StringValue(vpc.VpcId))
	resp, err := svc.CreateSecurityGroup(&ec2.CreateSecurityGroupInput{
		GroupName:   aws.String(name),
		Description: aws.String("security group created by bigaxes setup-ec2"),
		VpcId:       vpc.VpcId,
	})
	if err != nil {
		return "", errors.E(fmt.Sprintf("create security group %s", name), err)
	}
	id := aws.StringValue(resp.GroupId)
	_, err = svc.AuthorizeSecurityGroupIngress(&ec2.AuthorizeSecurityGroupIngressInput{
		GroupId: resp.GroupId,
		IpPermissions: []*ec2.IpPermission{
			ingress("-1", aws.StringValue(vpc.CidrBlock), 0),
			ingress("tcp", "0.0.0.0/0", 22),
			ingress("tcp", "0.0.0.0/0", 443),
		},
	})
	if err != nil {
		return "", errors.E(fmt.Sprintf("authorize ingress for security group %s", id), err)
	}
	_, err = svc.CreateTags(&ec2.CreateTagsInput{
		Resources: []*string{aws.String(id)},
		Tags: []*ec2.Tag{
			{Key: aws.String("bigaxes-sg"), Value: aws.String("true")},
			{Key: aws.String("Name"), Value: aws.String(name)},
		},
	})
	if err != nil {
		log.Error.Printf("tag security group %s: %v", id, err)
	}
	return id, nil
}

func ingress(protocol, cidr string, port int64) *ec2.IpPermission {
	return &ec2.IpPermission{
		IpProtocol: aws.String(protocol),
		IpRanges:   []*ec2.IpRange{{CidrIp: aws.String(cidr)}},
		FromPort:   aws.Int64(port),
		ToPort:     aws.Int64(port),
	}
}

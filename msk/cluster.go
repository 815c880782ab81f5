// Copyright 2022 Amazon.com, Inc. or its affiliates. All Rights Reserved.
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
Package msk provides a Cluster for reading dataset topics from [MSK]. It satisfies
[github.com/deduce-dev/dacman-stream/streams/ingest.Cluster], so an MSK topic can feed a Source
the same way a plain Kafka cluster does:

	cluster := msk.NewCluster(ctx, "frames", msk.SaslIam, "us-east-1")
	it := &ingest.KafkaRecords{Cluster: cluster, Topic: "frames"}

[MSK]: https://aws.amazon.com/msk/
*/
package msk

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kafka"
	"github.com/deduce-dev/dacman-stream/streams/ingest"
	"github.com/twmb/franz-go/pkg/kgo"
	kaws "github.com/twmb/franz-go/pkg/sasl/aws"
	"github.com/twmb/franz-go/pkg/sasl/scram"
)

type MskClient interface {
	ListClusters(context.Context, *kafka.ListClustersInput, ...func(*kafka.Options)) (*kafka.ListClustersOutput, error)
	GetBootstrapBrokers(context.Context, *kafka.GetBootstrapBrokersInput, ...func(*kafka.Options)) (*kafka.GetBootstrapBrokersOutput, error)
}

type AuthType int

const (
	None AuthType = iota
	MutualTLS
	SaslScram
	SaslIam
	PublicMutualTLS
	PublicSaslScram
	PublicSaslIam
)

var authTypeNames = map[string]AuthType{
	"none":              None,
	"tls":               MutualTLS,
	"sasl-scram":        SaslScram,
	"sasl-iam":          SaslIam,
	"public-tls":        PublicMutualTLS,
	"public-sasl-scram": PublicSaslScram,
	"public-sasl-iam":   PublicSaslIam,
}

// ParseAuthType converts a command line value such as "sasl-iam" to an AuthType.
func ParseAuthType(s string) (AuthType, error) {
	if at, ok := authTypeNames[strings.ToLower(s)]; ok {
		return at, nil
	}
	return None, fmt.Errorf("unknown msk auth type %q", s)
}

// An implementation of [ingest.Cluster]. The bootstrap brokers are looked up once and reused.
type Cluster struct {
	clusterName   string
	client        MskClient
	authType      AuthType
	tlsConfig     *tls.Config
	awsConfig     aws.Config
	scram         scram.Auth
	clientOptions []kgo.Opt

	mu           sync.Mutex
	builtOptions []kgo.Opt
}

var _ ingest.Cluster = (*Cluster)(nil)

// Loads the default AWS client config with default region of `region`.
func LoadClientConfig(ctx context.Context, region string) (aws.Config, error) {
	return config.LoadDefaultConfig(ctx, config.WithDefaultRegion(region))
}

// Creates a new Cluster using the default AWS client config. Your IAM role needs access to the 'ListClusters' and
// 'GetBootstrapBrokers' calls for the MSK cluster.
func NewCluster(ctx context.Context, clusterName string, authType AuthType, region string, optFns ...func(*kafka.Options)) (*Cluster, error) {
	cfg, err := LoadClientConfig(ctx, region)
	if err != nil {
		return nil, err
	}
	return NewClusterWithClientConfig(clusterName, authType, cfg, optFns...), nil
}

// Creates a new Cluster using the specified awsConfig, for callers that build their own (STS for example).
func NewClusterWithClientConfig(clusterName string, authType AuthType, awsConfig aws.Config, optFns ...func(*kafka.Options)) *Cluster {
	return &Cluster{
		clusterName: clusterName,
		authType:    authType,
		awsConfig:   awsConfig,
		client:      kafka.NewFromConfig(awsConfig, optFns...),
	}
}

// Used primarily for MutualTLS authentication.
//
//	cluster = cluster.WithTlsConfig(myMutualTlsConfig)
func (c *Cluster) WithTlsConfig(tlsConfig *tls.Config) *Cluster {
	c.tlsConfig = tlsConfig
	return c
}

// Additional kgo client options. They are applied after, and override, the options built by Cluster.
func (c *Cluster) WithClientOptions(opts ...kgo.Opt) *Cluster {
	c.clientOptions = opts
	return c
}

// Sets user/password info for SaslScram/PublicSaslScram auth types.
func (c *Cluster) WithScramUserPass(user, pass string) *Cluster {
	c.scram = scram.Auth{
		User: user,
		Pass: pass,
	}
	return c
}

/*
Config looks up the cluster ARN with a ClusterNameFilter, then seeds the client with the bootstrap
brokers matching the AuthType. The result is cached, so later clients do not call the MSK API again.
*/
func (c *Cluster) Config(ctx context.Context) ([]kgo.Opt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.builtOptions != nil {
		return c.builtOptions, nil
	}
	brokers, err := c.getBootstrapBrokers(ctx)
	if err != nil {
		return nil, err
	}
	opts := []kgo.Opt{kgo.SeedBrokers(brokers...)}
	if c.tlsConfig != nil {
		opts = append(opts, kgo.DialTLSConfig(c.tlsConfig))
	}
	switch c.authType {
	case SaslIam, PublicSaslIam:
		opts = append(opts, kgo.SASL(kaws.ManagedStreamingIAM(c.saslIamAuth)))
	case SaslScram, PublicSaslScram:
		// MSK only supports SHA512
		opts = append(opts, kgo.SASL(c.scram.AsSha512Mechanism()))
	}
	opts = append(opts, c.clientOptions...)
	c.builtOptions = opts
	return opts, nil
}

// Credentials are retrieved on every authentication, so expiring sessions are refreshed.
func (c *Cluster) saslIamAuth(ctx context.Context) (kaws.Auth, error) {
	creds, err := c.awsConfig.Credentials.Retrieve(ctx)
	if err != nil {
		return kaws.Auth{}, err
	}
	return kaws.Auth{
		AccessKey:    creds.AccessKeyID,
		SecretKey:    creds.SecretAccessKey,
		SessionToken: creds.SessionToken,
	}, nil
}

func (c *Cluster) getBootstrapBrokers(ctx context.Context) ([]string, error) {
	arn, err := c.getClusterArn(ctx)
	if err != nil {
		return nil, err
	}
	res, err := c.client.GetBootstrapBrokers(ctx, &kafka.GetBootstrapBrokersInput{
		ClusterArn: aws.String(arn),
	})
	if err != nil {
		return nil, err
	}
	var bootstrap *string
	switch c.authType {
	case MutualTLS:
		bootstrap = res.BootstrapBrokerStringTls
	case SaslScram:
		bootstrap = res.BootstrapBrokerStringSaslScram
	case SaslIam:
		bootstrap = res.BootstrapBrokerStringSaslIam
	case PublicMutualTLS:
		bootstrap = res.BootstrapBrokerStringPublicTls
	case PublicSaslScram:
		bootstrap = res.BootstrapBrokerStringPublicSaslScram
	case PublicSaslIam:
		bootstrap = res.BootstrapBrokerStringPublicSaslIam
	default:
		bootstrap = res.BootstrapBrokerString
	}
	if bootstrap == nil || *bootstrap == "" {
		return nil, fmt.Errorf("no bootstrap brokers for cluster %s and auth type %d", c.clusterName, c.authType)
	}
	return strings.Split(*bootstrap, ","), nil
}

func (c *Cluster) getClusterArn(ctx context.Context) (string, error) {
	res, err := c.client.ListClusters(ctx, &kafka.ListClustersInput{
		ClusterNameFilter: aws.String(c.clusterName),
	})
	if err != nil {
		return "", err
	}
	if len(res.ClusterInfoList) == 0 {
		return "", fmt.Errorf("cluster not found: %s", c.clusterName)
	}
	ci := res.ClusterInfoList[0]
	if ci.ClusterArn == nil {
		return "", fmt.Errorf("cluster not found (nil ClusterInfo): %s", c.clusterName)
	}
	return *ci.ClusterArn, nil
}

package main

import (
	"crypto/tls"
	"fmt"

	"github.com/cuemby/orbital/pkg/dispatcher/wire"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

func dialFromFlags(cmd *cobra.Command) (*grpc.ClientConn, *wire.ClientAPI, error) {
	addr, _ := cmd.Flags().GetString("server")
	certFile, _ := cmd.Flags().GetString("cert")
	keyFile, _ := cmd.Flags().GetString("key")
	caFile, _ := cmd.Flags().GetString("ca")

	var creds credentials.TransportCredentials
	if certFile != "" && keyFile != "" && caFile != "" {
		cert, tlsCfg, err := wire.LoadIdentity(certFile, keyFile, caFile)
		if err != nil {
			return nil, nil, err
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
		creds = credentials.NewTLS(tlsCfg)
	} else {
		creds = insecure.NewCredentials()
	}

	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}

	api := wire.NewClientAPI(conn, uuid.NewString())
	return conn, api, nil
}

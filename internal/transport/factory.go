package transport

import (
	"context"
	"fmt"
)

// SelectKind decides which implementation cfg asks for. An explicit Kind
// wins; otherwise a conversation token selects the peer transport and
// anything else the socket.
func SelectKind(cfg Config) (Kind, error) {
	switch cfg.Kind {
	case KindSocket, KindPeer:
		return cfg.Kind, nil
	case "":
	default:
		return "", fmt.Errorf("transport: unknown connection type %q", cfg.Kind)
	}

	if cfg.ConversationToken != "" {
		return KindPeer, nil
	}
	return KindSocket, nil
}

// New dials the transport selected by cfg. When cfg names only an agent and
// an API key, the credential the selected transport needs is fetched first.
func New(ctx context.Context, cfg Config) (Transport, error) {
	kind, err := SelectKind(cfg)
	if err != nil {
		return nil, err
	}

	switch kind {
	case KindPeer:
		if cfg.ConversationToken == "" && cfg.APIKey != "" {
			token, err := FetchConversationToken(ctx, cfg)
			if err != nil {
				return nil, err
			}
			cfg.ConversationToken = token
		}
		log.Debug("dialing peer transport")
		t, err := DialPeer(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return t, nil

	default:
		if cfg.SignedURL == "" && cfg.APIKey != "" {
			signed, err := FetchSignedURL(ctx, cfg)
			if err != nil {
				return nil, err
			}
			cfg.SignedURL = signed
		}
		log.Debug("dialing socket transport")
		t, err := DialSocket(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return t, nil
	}
}

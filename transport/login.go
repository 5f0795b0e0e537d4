package transport

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math/rand"
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/sangaman/raiden/crypto"
	"github.com/sangaman/raiden/matrix"
	"github.com/sangaman/raiden/presence"
)

// loginOrRegister authenticates the node with the homeserver using
// proof-of-keys credentials:
//
//   - username: the normalized node address, suffixed on collision with a
//     deterministic (per-account) random 8-hex string
//   - password: the signature of the server hostname
//   - display name: the proof-of-keys over the full user id, verified by
//     peers
//
// Previous session credentials are reused when they still match the
// signer's identity and the server accepts them.
func loginOrRegister(client matrix.Client, signer crypto.Signer, prevUserID, prevAccessToken string) error {
	serverName := serverNameOf(client.HomeserverURL())
	baseUsername := signer.Address().Normalized()

	pattern := regexp.MustCompile(
		"^@" + regexp.QuoteMeta(baseUsername) + ".*:" + regexp.QuoteMeta(serverName) + "$")
	if pattern.MatchString(prevUserID) {
		logrus.WithFields(logrus.Fields{
			"function": "loginOrRegister",
			"user_id":  prevUserID,
		}).Debug("Trying previous user login")
		if err := client.SetCredentials(prevUserID, prevAccessToken); err == nil {
			logrus.WithFields(logrus.Fields{
				"function": "loginOrRegister",
				"user_id":  prevUserID,
			}).Debug("Success, valid previous credentials")
			return nil
		}
		logrus.WithFields(logrus.Fields{
			"function":     "loginOrRegister",
			"prev_user_id": prevUserID,
		}).Debug("Could not use previous login credentials, discarding")
	} else if prevUserID != "" {
		logrus.WithFields(logrus.Fields{
			"function":     "loginOrRegister",
			"prev_user_id": prevUserID,
			"current":      baseUsername,
			"server":       serverName,
		}).Debug("Different server or account, discarding previous credentials")
	}

	// password is the signed server name
	passwordSig, err := signer.Sign([]byte(serverName))
	if err != nil {
		return fmt.Errorf("failed to sign login password: %w", err)
	}
	password := hex.EncodeToString(passwordSig)

	// deterministic random suffixes, seeded lazily from a signature so
	// other users cannot squat all of our candidate usernames
	var rng *rand.Rand

	loggedIn := false
	for attempt := 0; attempt < joinRetries && !loggedIn; attempt++ {
		username := baseUsername
		if attempt > 0 {
			if rng == nil {
				seedSig, err := signer.Sign([]byte("seed"))
				if err != nil {
					return fmt.Errorf("failed to sign username seed: %w", err)
				}
				seed := binary.BigEndian.Uint64(seedSig[len(seedSig)-8:])
				rng = rand.New(rand.NewSource(int64(seed)))
			}
			username = fmt.Sprintf("%s.%08x", baseUsername, rng.Uint32())
		}

		err := client.Login(username, password)
		if err == nil {
			loggedIn = true
			break
		}
		var reqErr *matrix.RequestError
		if !errors.As(err, &reqErr) || reqErr.Code != 403 {
			return fmt.Errorf("login failed: %w", err)
		}
		logrus.WithFields(logrus.Fields{
			"function": "loginOrRegister",
			"username": username,
			"server":   serverName,
		}).Debug("Could not login, trying register")

		err = client.Register(username, password)
		if err == nil {
			loggedIn = true
			break
		}
		if !errors.As(err, &reqErr) || reqErr.Code != 400 {
			return fmt.Errorf("registration failed: %w", err)
		}
		logrus.WithFields(logrus.Fields{
			"function": "loginOrRegister",
			"username": username,
		}).Debug("Username taken, continuing")
	}
	if !loggedIn {
		return errors.New("could not register or login")
	}

	displayName, err := presence.MakeDisplayName(signer, client.UserID())
	if err != nil {
		return err
	}
	if err := client.SetDisplayName(displayName); err != nil {
		return fmt.Errorf("failed to set display name: %w", err)
	}
	logrus.WithFields(logrus.Fields{
		"function": "loginOrRegister",
		"user_id":  client.UserID(),
		"server":   serverName,
	}).Debug("Logged in")
	return nil
}

// parseAuthData splits persisted "<user id>/<access token>" credentials.
func parseAuthData(authData string) (userID, accessToken string) {
	if strings.Count(authData, "/") != 1 {
		return "", ""
	}
	parts := strings.SplitN(authData, "/", 2)
	return parts[0], parts[1]
}

/*Package mqtt provides the MQTT broker of the telemetry gateway

The broker is a gmqtt server with a plugin which turns the broker hooks
into router events:

	OnConnected     client connected
	OnClose         client disconnected (plus a broker error for failed connections)
	OnMsgArrived    message published
	OnSubscribed    subscribe, one event per topic filter
	OnUnsubscribed  unsubscribe, one event per topic filter

The broker never rejects a message or a subscription. Devices publish below
the reserved namespace "iot/", see package topic for the grammar. All other
topics are relayed by the broker but only logged by the gateway.

Authentication

With RequireAuth, a connecting client must present a user name and password
which match one of the configured users. Passwords are stored as bcrypt
hashes:

	BROKER_USERS="sensor:$2a$10$...;dashboard:$2a$10$..."

Failed checks are answered with "not authorized".

Transport

The broker always listens on a plain TCP port. When a certificate and key
are configured it also accepts TLS connections, and with a CA certificate
only clients presenting a certificate signed by that CA are accepted.

Publishing

Publish() sends a message on behalf of the gateway, for example a command
from the web interface. Such messages have no client context and are
recorded as warnings with device "unknown".
*/
package mqtt

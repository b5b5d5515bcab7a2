// Package apns provides a client for Apple Push Notification service
// (APNs) HTTP/2 provider API.
//
// Build a Client with NewClientBuilder, configure either a SigningKey
// (token authentication) or a ClientCertificate (mutual TLS), and
// submit notifications with Submit or SubmitAll:
//
//	key, err := keys.LoadP8("AuthKey_ABC123.p8", "ABC123", "DEF456")
//	if err != nil {
//		return err
//	}
//	client, err := apns.NewClientBuilder().
//		Production().
//		SigningKey(key).
//		ConcurrentConnections(4).
//		Build(ctx)
//	if err != nil {
//		return err
//	}
//	defer client.Close(10 * time.Second)
//
//	n, err := apns.NewPushNotification(deviceToken, "com.example.App", payload)
//	if err != nil {
//		return err
//	}
//	outcome, err := client.Submit(ctx, n)
package apns

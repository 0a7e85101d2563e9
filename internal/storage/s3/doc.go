/*
Package s3 provides a bulk tier backend on Amazon S3 or any S3-compatible
store such as MinIO.

Each tier key maps to one object under an optional key prefix:

	backend, err := s3.NewBackend(ctx, &s3.Config{
		Bucket:         "device-bulk",
		Prefix:         "tierstore",
		Region:         "us-east-1",
		Endpoint:       "http://localhost:9000",
		ForcePathStyle: true,
	})

Listing uses the ListObjectsV2 paginator and Clear removes objects with
DeleteObjects in batches of 1000. Missing objects read as types.ErrNotFound.

When UseCargoShip is set uploads go through the CargoShip transporter, with a
plain PutObject fallback if the transporter fails for a reason other than a
full bucket.

IsFull recognises the service codes XMinioStorageFull,
XMinioAdminBucketQuotaExceeded, QuotaExceeded and InsufficientStorage so the
tier layer can report BACKEND_FULL without inspecting message text.
*/
package s3

// Package s3 provides an S3 implementation of the blobstore.BlobStore interface.
//
// # Usage
//
//	store, err := s3.New(ctx, "my-bucket",
//	    s3.WithPrefix("vectors/"),
//	    s3.WithRegion("us-east-1"),
//	)
//
//	err = db.Archive(ctx, store)
//	...
//	err = vecbit.Restore(ctx, store, "/var/lib/vecbit")
//
// # Features
//
//   - Range reads for partial fetches
//   - Streaming multipart uploads for large segments
//   - CRC32C checksums on uploads
//   - Automatic pagination for listing
//   - DDBCommitStore: conditional CURRENT commits through DynamoDB
package s3

// Package minio provides a BlobStore implementation using the MinIO client.
//
// It targets MinIO and other S3-compatible systems such as Ceph or Garage
// through the MinIO Go client.
//
// # Basic Usage
//
//	client, err := minio.New("localhost:9000", &minio.Options{
//	    Creds:  credentials.NewStaticV4("minioadmin", "minioadmin", ""),
//	    Secure: false,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	store := minioblob.NewStore(client, "my-bucket", "vectors/")
//	err = db.Archive(ctx, store)
//
// Dial builds the client from a Config and creates the bucket if needed:
//
//	store, err := minioblob.Dial(ctx, minioblob.Config{Endpoint: "localhost:9000", Bucket: "vecbit"})
//
// # Features
//
//   - Streaming uploads for large segments
//   - No AWS SDK dependency
//
// # Configuration Options
//
// The MinIO client supports various configuration options:
//
//	client, _ := minio.New("s3.example.com:9000", &minio.Options{
//	    Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
//	    Secure: true,                    // Use HTTPS
//	    Region: "us-east-1",             // Optional region
//	})
package minio
